// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"encoding/binary"
	"fmt"
)

const (
	headerOut  = 0x80
	headerIn   = 0x08
	crcLen     = 4
	lengthLen  = 2
	frameMinIn = 1 + lengthLen + 1 + crcLen // header, length, 1 payload byte, crc
)

// CRC32 exposes the BSL ROM's CRC-32 for callers outside this package
// (the mock target in internal/simulator, and tests) that need to
// compute it over a payload without going through a Client.
func CRC32(data []byte) uint32 {
	return crc32BSL(data)
}

// BuildFrame assembles header | len_lo | len_hi | payload | crc32,
// the shape both directions of the wire share. header is 0x80 for a
// host-to-target request and 0x08 for a target-to-host response.
func BuildFrame(header byte, payload []byte) []byte {
	frame := make([]byte, 1+lengthLen+len(payload)+crcLen)
	frame[0] = header
	binary.LittleEndian.PutUint16(frame[1:], uint16(len(payload)))
	copy(frame[1+lengthLen:], payload)
	binary.LittleEndian.PutUint32(frame[1+lengthLen+len(payload):], crc32BSL(payload))
	return frame
}

// ParseFrame validates a frame's header, declared length, and
// trailing CRC-32, and returns the payload with header, length, and
// CRC stripped off.
func ParseFrame(frame []byte, wantHeader byte) ([]byte, error) {
	if len(frame) < frameMinIn {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrBadLength, len(frame))
	}
	if frame[0] != wantHeader {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrBadHeader, frame[0], wantHeader)
	}
	declared := int(binary.LittleEndian.Uint16(frame[1:3]))
	payload := frame[1+lengthLen : len(frame)-crcLen]
	if declared != len(payload) {
		return nil, fmt.Errorf("%w: declared %d, got %d", ErrBadLength, declared, len(payload))
	}
	want := binary.LittleEndian.Uint32(frame[len(frame)-crcLen:])
	got := crc32BSL(payload)
	if want != got {
		return nil, fmt.Errorf("%w: frame says 0x%08x, computed 0x%08x", ErrBadCRC, want, got)
	}
	return payload, nil
}

// encodeRequest builds the on-wire byte slice for a host-to-target
// command: header | len_lo | len_hi | cmd | data | crc32.
func encodeRequest(cmd CommandId, data []byte) []byte {
	payload := make([]byte, 1+len(data))
	payload[0] = byte(cmd)
	copy(payload[1:], data)
	return BuildFrame(headerOut, payload)
}

// decodeResponse validates a target-to-host frame and returns the
// payload (response id byte plus body) with the header, length, and
// CRC stripped off.
func decodeResponse(frame []byte) ([]byte, error) {
	return ParseFrame(frame, headerIn)
}
