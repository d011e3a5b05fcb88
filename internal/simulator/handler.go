// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
)

// Handler decodes one BSL request and produces the ack byte plus
// (when the command defines one) the deferred response frame.
type Handler struct {
	store *FlashStore
}

// NewHandler creates a new Handler over store.
func NewHandler(store *FlashStore) *Handler {
	return &Handler{store: store}
}

// Handle dispatches req (the payload following the 0x80 header and
// length, i.e. cmd byte plus command data) and returns the ack byte
// and an optional response frame ready to write back.
func (h *Handler) Handle(req []byte) (ack byte, response []byte) {
	if len(req) == 0 {
		return byte(bsl.AckPacketSizeZero), nil
	}
	cmd := bsl.CommandId(req[0])
	data := req[1:]

	switch cmd {
	case bsl.CmdConnection:
		return byte(bsl.AckOk), nil
	case bsl.CmdGetDeviceInfo:
		return h.handleGetDeviceInfo()
	case bsl.CmdUnlockBootloader:
		return h.handleUnlock(data)
	case bsl.CmdMassErase:
		return h.handleMassErase()
	case bsl.CmdProgramData:
		return h.handleProgramData(data)
	case bsl.CmdMemoryRead:
		return h.handleMemoryRead(data)
	case bsl.CmdStandaloneVerification:
		return h.handleVerify(data)
	case bsl.CmdChangeBaudrate:
		return h.handleChangeBaudrate(data)
	case bsl.CmdStartApplication:
		h.store.markStarted()
		return byte(bsl.AckOk), nil
	default:
		return byte(bsl.AckUnknownError), nil
	}
}

func messageFrame(msg bsl.CoreMessage) []byte {
	return bsl.BuildFrame(0x08, []byte{byte(bsl.RspMessage), byte(msg)})
}

func (h *Handler) handleGetDeviceInfo() (byte, []byte) {
	info := h.store.DeviceInfo
	body := make([]byte, 1+24)
	body[0] = byte(bsl.RspGetDeviceInfo)
	binary.LittleEndian.PutUint16(body[1:3], info.CmdInterpreterVersion)
	binary.LittleEndian.PutUint16(body[3:5], info.BuildID)
	binary.LittleEndian.PutUint32(body[5:9], info.AppVersion)
	binary.LittleEndian.PutUint16(body[9:11], info.PluginIfVersion)
	binary.LittleEndian.PutUint16(body[11:13], info.BSLMaxBuf)
	binary.LittleEndian.PutUint32(body[13:17], info.BSLBufStart)
	binary.LittleEndian.PutUint32(body[17:21], info.BCRConfID)
	binary.LittleEndian.PutUint32(body[21:25], info.BSLConfID)
	return byte(bsl.AckOk), bsl.BuildFrame(0x08, body)
}

func (h *Handler) handleUnlock(data []byte) (byte, []byte) {
	if len(data) != 32 {
		return byte(bsl.AckPacketSizeTooBig), nil
	}
	var pw [32]byte
	copy(pw[:], data)
	h.store.unlock(pw)
	return byte(bsl.AckOk), messageFrame(bsl.MsgSuccess)
}

func (h *Handler) handleMassErase() (byte, []byte) {
	h.store.massErase()
	return byte(bsl.AckOk), messageFrame(bsl.MsgSuccess)
}

func (h *Handler) handleProgramData(data []byte) (byte, []byte) {
	if len(data) < 4 {
		return byte(bsl.AckPacketSizeZero), nil
	}
	addr := binary.LittleEndian.Uint32(data[0:4])
	chunk := data[4:]
	if !h.store.isUnlocked() {
		return byte(bsl.AckOk), messageFrame(bsl.MsgLocked)
	}
	if !h.store.program(addr, chunk) {
		return byte(bsl.AckOk), messageFrame(bsl.MsgInvalidAddressOrLength)
	}
	return byte(bsl.AckOk), messageFrame(bsl.MsgSuccess)
}

func (h *Handler) handleMemoryRead(data []byte) (byte, []byte) {
	if len(data) < 8 {
		return byte(bsl.AckPacketSizeZero), nil
	}
	addr := binary.LittleEndian.Uint32(data[0:4])
	length := binary.LittleEndian.Uint32(data[4:8])
	body, ok := h.store.read(addr, length)
	if !ok {
		return byte(bsl.AckOk), messageFrame(bsl.MsgInvalidMemoryRange)
	}
	rsp := make([]byte, 1+len(body))
	rsp[0] = byte(bsl.RspMemoryRead)
	copy(rsp[1:], body)
	return byte(bsl.AckOk), bsl.BuildFrame(0x08, rsp)
}

func (h *Handler) handleVerify(data []byte) (byte, []byte) {
	if len(data) < 8 {
		return byte(bsl.AckPacketSizeZero), nil
	}
	addr := binary.LittleEndian.Uint32(data[0:4])
	length := binary.LittleEndian.Uint32(data[4:8])
	if length < 1024 {
		return byte(bsl.AckOk), messageFrame(bsl.MsgInvalidVerificationLength)
	}
	block, ok := h.store.verify(addr, length)
	if !ok {
		return byte(bsl.AckOk), messageFrame(bsl.MsgInvalidMemoryRange)
	}
	crc := bsl.CRC32(block)
	rsp := make([]byte, 1+4)
	rsp[0] = byte(bsl.RspStandaloneVerification)
	binary.LittleEndian.PutUint32(rsp[1:5], crc)
	return byte(bsl.AckOk), bsl.BuildFrame(0x08, rsp)
}

func (h *Handler) handleChangeBaudrate(data []byte) (byte, []byte) {
	if len(data) != 1 {
		return byte(bsl.AckPacketSizeZero), nil
	}
	rate := bsl.Baudrate(data[0])
	if !validBaudCode(rate) {
		return byte(bsl.AckUnknownBaudrate), nil
	}
	return byte(bsl.AckOk), nil
}

func validBaudCode(rate bsl.Baudrate) bool {
	switch rate {
	case bsl.Baud4800, bsl.Baud9600, bsl.Baud19200, bsl.Baud38400,
		bsl.Baud57600, bsl.Baud115200, bsl.Baud1M, bsl.Baud2M, bsl.Baud3M:
		return true
	default:
		return false
	}
}
