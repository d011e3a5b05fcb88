// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := BuildFrame(headerOut, payload)

	got, err := ParseFrame(frame, headerOut)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ParseFrame payload = % x, want % x", got, payload)
	}
}

func TestWorkedExampleFrame(t *testing.T) {
	// From the protocol notes' own worked example: a Connection
	// request is 80 01 00 12 followed by a 4-byte CRC trailer.
	frame := BuildFrame(headerOut, []byte{byte(CmdConnection)})
	if frame[0] != 0x80 || frame[1] != 0x01 || frame[2] != 0x00 || frame[3] != 0x12 {
		t.Fatalf("unexpected frame prefix: % x", frame[:4])
	}
	if len(frame) != 4+crcLen {
		t.Fatalf("frame length = %d, want %d", len(frame), 4+crcLen)
	}
}

func TestParseFrameBadHeader(t *testing.T) {
	frame := BuildFrame(headerOut, []byte{0x12})
	_, err := ParseFrame(frame, headerIn)
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("err = %v, want ErrBadHeader", err)
	}
}

func TestParseFrameBadLength(t *testing.T) {
	frame := BuildFrame(headerOut, []byte{0x12, 0x34})
	frame[1] = 0x05 // claim 5 bytes of payload instead of 2
	_, err := ParseFrame(frame, headerOut)
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestParseFrameBadCRC(t *testing.T) {
	frame := BuildFrame(headerOut, []byte{0x12, 0x34})
	frame[len(frame)-1] ^= 0xFF
	_, err := ParseFrame(frame, headerOut)
	if !errors.Is(err, ErrBadCRC) {
		t.Fatalf("err = %v, want ErrBadCRC", err)
	}
}

func TestParseFrameTooShort(t *testing.T) {
	_, err := ParseFrame([]byte{0x80, 0x00}, headerOut)
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestEncodeDecodeRequestResponse(t *testing.T) {
	req := encodeRequest(CmdUnlockBootloader, bytes.Repeat([]byte{0xFF}, 32))
	if req[0] != headerOut {
		t.Fatalf("encodeRequest header = 0x%02x, want 0x%02x", req[0], headerOut)
	}

	rsp := BuildFrame(headerIn, []byte{byte(RspMessage), byte(MsgSuccess)})
	body, err := decodeResponse(rsp)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if ResponseId(body[0]) != RspMessage || CoreMessage(body[1]) != MsgSuccess {
		t.Fatalf("decoded body = % x", body)
	}
}
