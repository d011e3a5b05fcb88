// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"
)

// MaxPayload bounds a single ProgramData chunk regardless of the
// target-advertised bsl_max_buf.
const MaxPayload = 128

const interChunkDelay = 20 * time.Millisecond

// Client is a typed wrapper, one method per BSL command, over a
// TransportSession. It mirrors the teacher's client/ClientHandler
// split: Client owns the encode/send/decode sequence, Transport owns
// the bytes.
type Client struct {
	Transport *TransportSession
	Logger    *log.Logger
	// Verbosity gates the ack/message decode logged after every
	// exchange (level >= 2) and the device info dump after
	// GetDeviceInfo (level >= 1), matching the original's
	// verbose_level thresholds in bsl_tool.cpp.
	Verbosity int

	deviceInfo *DeviceInfo
}

// NewClient allocates a Client bound to an already-Open transport.
func NewClient(t *TransportSession) *Client {
	return &Client{Transport: t}
}

func (c *Client) logf(minVerbosity int, format string, v ...interface{}) {
	if c.Logger != nil && c.Verbosity >= minVerbosity {
		c.Logger.Printf(format, v...)
	}
}

// readAck reads the single-byte link-layer acknowledgement.
func (c *Client) readAck() (Ack, error) {
	b, err := c.Transport.ReadExact(1)
	if err != nil {
		return AckTimeout, err
	}
	return Ack(b[0]), nil
}

// readFrame reads a full inbound frame: header+length first, then the
// declared number of payload bytes plus the CRC trailer.
func (c *Client) readFrame() ([]byte, error) {
	head, err := c.Transport.ReadExact(3)
	if err != nil {
		return nil, err
	}
	declared := int(binary.LittleEndian.Uint16(head[1:3]))
	rest, err := c.Transport.ReadExact(declared + crcLen)
	if err != nil {
		return nil, err
	}
	frame := append(head, rest...)
	return decodeResponse(frame)
}

// exchange writes a request, reads its ack, and if ok reads the
// deferred response payload (sans ResponseId, which is returned
// separately). hasResponse must be false for commands that produce no
// deferred frame at all (ChangeBaudrate, StartApplication).
func (c *Client) exchange(op string, cmd CommandId, data []byte, hasResponse bool) (ResponseId, []byte, error) {
	if err := c.Transport.WriteAll(encodeRequest(cmd, data)); err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	ack, err := c.readAck()
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	c.logf(2, "%s: << ack=%s", op, ack)
	if ack != AckOk {
		return 0, nil, &ProtocolError{Op: op, Ack: ack}
	}
	if !hasResponse {
		return 0, nil, nil
	}
	payload, err := c.readFrame()
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	return ResponseId(payload[0]), payload[1:], nil
}

// messageResult interprets a Message response body (1 byte, the
// CoreMessage) and turns a non-Success value into a *ProtocolError.
func (c *Client) messageResult(op string, rspID ResponseId, body []byte) error {
	if rspID != RspMessage || len(body) < 1 {
		return fmt.Errorf("%s: %w: got response id 0x%02x", op, ErrUnexpectedRsp, byte(rspID))
	}
	msg := CoreMessage(body[0])
	c.logf(2, "%s: << msg=%s", op, msg)
	if msg != MsgSuccess {
		return &ProtocolError{Op: op, Msg: msg}
	}
	return nil
}

// Connection primes the bootloader. Success is signalled purely by
// the Ok ack; there is no deferred response.
func (c *Client) Connection() error {
	_, _, err := c.exchange("connection", CmdConnection, nil, false)
	return err
}

// GetDeviceInfo reads and caches the target's DeviceInfo, including
// bsl_max_buf. ProgramData does not consult the cached bsl_max_buf:
// its chunks are always up to MaxPayload bytes.
func (c *Client) GetDeviceInfo() (DeviceInfo, error) {
	rspID, body, err := c.exchange("get device info", CmdGetDeviceInfo, nil, true)
	if err != nil {
		return DeviceInfo{}, err
	}
	if rspID != RspGetDeviceInfo || len(body) < deviceInfoWireLen {
		return DeviceInfo{}, fmt.Errorf("get device info: %w: got response id 0x%02x, %d body bytes", ErrUnexpectedRsp, byte(rspID), len(body))
	}
	info := DeviceInfo{
		CmdInterpreterVersion: binary.LittleEndian.Uint16(body[0:2]),
		BuildID:               binary.LittleEndian.Uint16(body[2:4]),
		AppVersion:            binary.LittleEndian.Uint32(body[4:8]),
		PluginIfVersion:       binary.LittleEndian.Uint16(body[8:10]),
		BSLMaxBuf:             binary.LittleEndian.Uint16(body[10:12]),
		BSLBufStart:           binary.LittleEndian.Uint32(body[12:16]),
		BCRConfID:             binary.LittleEndian.Uint32(body[16:20]),
		BSLConfID:             binary.LittleEndian.Uint32(body[20:24]),
	}
	c.deviceInfo = &info
	c.logf(1, "get device info: << cmd_interpreter_version=0x%x build_id=0x%x app_version=0x%x "+
		"plugin_if_version=0x%x bsl_max_buf=0x%x bsl_buf_start=0x%x bcr_conf_id=0x%x bsl_conf_id=0x%x",
		info.CmdInterpreterVersion, info.BuildID, info.AppVersion, info.PluginIfVersion,
		info.BSLMaxBuf, info.BSLBufStart, info.BCRConfID, info.BSLConfID)
	return info, nil
}

// UnlockBootloader sends the 32-byte password. A password of all
// zero bytes is not valid on the ROM; callers that have no password
// pass the reference default of 32 bytes of 0xFF.
func (c *Client) UnlockBootloader(password [32]byte) error {
	rspID, body, err := c.exchange("unlock bootloader", CmdUnlockBootloader, password[:], true)
	if err != nil {
		return err
	}
	return c.messageResult("unlock bootloader", rspID, body)
}

// MassErase clears all user flash.
func (c *Client) MassErase() error {
	rspID, body, err := c.exchange("mass erase", CmdMassErase, nil, true)
	if err != nil {
		return err
	}
	return c.messageResult("mass erase", rspID, body)
}

// ProgramResult describes where a ProgramData run stopped. On success
// ChunksWritten is the number of chunks written; on failure it is the
// failing chunk's index (the number of chunks written before it) and
// FailedAddr is that chunk's address.
type ProgramResult struct {
	ChunksWritten int
	FailedAddr    uint32
}

// ProgramData writes data to addr in MaxPayload-sized, 8-byte-aligned
// chunks, stopping at the first chunk that fails. addr and len(data)
// must both be multiples of 8.
func (c *Client) ProgramData(addr uint32, data []byte) (ProgramResult, error) {
	if addr%8 != 0 || len(data)%8 != 0 {
		return ProgramResult{}, fmt.Errorf("program data: %w: addr=0x%x len=%d", ErrInvalidAddress, addr, len(data))
	}
	offset := 0
	for offset < len(data) {
		chunkSize := len(data) - offset
		if chunkSize > MaxPayload {
			chunkSize = MaxPayload
		}
		chunkAddr := addr + uint32(offset)
		payload := make([]byte, 4+chunkSize)
		binary.LittleEndian.PutUint32(payload, chunkAddr)
		copy(payload[4:], data[offset:offset+chunkSize])

		rspID, body, err := c.exchange("program data", CmdProgramData, payload, true)
		if err != nil {
			return ProgramResult{ChunksWritten: offset / MaxPayload, FailedAddr: chunkAddr}, err
		}
		if err := c.messageResult("program data", rspID, body); err != nil {
			return ProgramResult{ChunksWritten: offset / MaxPayload, FailedAddr: chunkAddr}, err
		}
		offset += chunkSize
		time.Sleep(interChunkDelay)
	}
	return ProgramResult{ChunksWritten: (len(data) + MaxPayload - 1) / MaxPayload}, nil
}

// MemoryRead reads length bytes starting at addr. Read-back is only
// permitted when the target's BCR configuration allows it; callers
// must set allowReadback to acknowledge that a disallowed read-back
// surfaces as a Message (typically ReadoutError), not an error about
// the call itself.
func (c *Client) MemoryRead(addr, length uint32, allowReadback bool) ([]byte, error) {
	if !allowReadback {
		return nil, fmt.Errorf("memory read: %w", ErrReadbackDenied)
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], length)

	rspID, body, err := c.exchange("memory read", CmdMemoryRead, payload, true)
	if err != nil {
		return nil, err
	}
	switch rspID {
	case RspMemoryRead:
		return body, nil
	case RspMessage:
		return nil, c.messageResult("memory read", rspID, body)
	default:
		return nil, fmt.Errorf("memory read: %w: got response id 0x%02x", ErrUnexpectedRsp, byte(rspID))
	}
}

// StandaloneVerification asks the target to CRC-32 [addr, addr+length)
// and compares it to the host-computed crc. length must be >= 1024.
func (c *Client) StandaloneVerification(addr, length uint32, crc uint32) (bool, error) {
	if length < 1024 {
		return false, fmt.Errorf("standalone verification: %w: length=%d", ErrVerifyTooShort, length)
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], length)

	rspID, body, err := c.exchange("standalone verification", CmdStandaloneVerification, payload, true)
	if err != nil {
		return false, err
	}
	switch rspID {
	case RspStandaloneVerification:
		if len(body) < 4 {
			return false, fmt.Errorf("standalone verification: %w: short body", ErrUnexpectedRsp)
		}
		targetCRC := binary.LittleEndian.Uint32(body[:4])
		c.logf(2, "standalone verification: << msg=%s mcu_crc=0x%08x", MsgSuccess, targetCRC)
		return targetCRC == crc, nil
	case RspMessage:
		return false, c.messageResult("standalone verification", rspID, body)
	default:
		return false, fmt.Errorf("standalone verification: %w: got response id 0x%02x", ErrUnexpectedRsp, byte(rspID))
	}
}

// ChangeBaudrate tells the target to switch to rate, then immediately
// reopens the host's own port at the matching bits-per-second value.
// The two sides must change in lock-step: no byte may be written at
// the old rate after the ack, and none at the new rate before it.
func (c *Client) ChangeBaudrate(rate Baudrate) error {
	bps, ok := rate.bps()
	if !ok {
		return fmt.Errorf("change baudrate: %w: code 0x%x", ErrUnsupportedBaud, byte(rate))
	}
	_, _, err := c.exchange("change baudrate", CmdChangeBaudrate, []byte{byte(rate)}, false)
	if err != nil {
		return err
	}
	if err := c.Transport.ChangeBaud(bps); err != nil {
		return fmt.Errorf("change baudrate: %w", err)
	}
	return nil
}

// StartApplication transfers control to user code. The ack is the
// only signal; there is no deferred response.
func (c *Client) StartApplication() error {
	_, _, err := c.exchange("start application", CmdStartApplication, nil, false)
	return err
}
