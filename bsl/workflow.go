// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"fmt"
	"log"
	"os"
	"time"
)

// DefaultVerifyOffset is the byte offset into the image the reference
// implementation applies before the host-vs-target CRC comparison:
// the target is asked to verify [load_addr+offset, load_addr+size),
// and the host CRCs image[offset:]. Ground: BSLTool::verify's default
// argument. Left overridable rather than folded in as a literal, per
// the open question over whether the offset is deliberate.
const DefaultVerifyOffset = 8

// versionOffset and versionLen locate the firmware's embedded version
// string, ground: BSLTool::read_file_version's defaults.
const (
	versionOffset = 0xC0
	versionLen    = 51
)

// defaultPassword is the all-0xFF password the reference tool uses
// when the bootloader has never had a custom one configured.
var defaultPassword = [32]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Programmer drives a full flashing run against one target. It owns
// the Client (and, through it, the transport) for the run's duration.
type Programmer struct {
	Client *Client
	GPIO   GPIO
	Logger *log.Logger

	Password     [32]byte
	VerifyOffset uint32
}

// NewProgrammer returns a Programmer with the reference default
// password and verify offset.
func NewProgrammer(c *Client) *Programmer {
	return &Programmer{
		Client:       c,
		Password:     defaultPassword,
		VerifyOffset: DefaultVerifyOffset,
	}
}

func (p *Programmer) logf(format string, v ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, v...)
	}
}

// OpenFile opens path and reads it entirely into memory.
func (p *Programmer) OpenFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	return data, nil
}

// ReadFileVersion extracts the 51-byte version string embedded at
// 0xC0 in a firmware image already read by OpenFile.
func ReadFileVersion(data []byte) (string, error) {
	if len(data) < versionOffset+versionLen {
		return "", fmt.Errorf("%w: file too small for version string", ErrFileRead)
	}
	raw := data[versionOffset : versionOffset+versionLen]
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	return string(raw[:end]), nil
}

// verify compares the target's standalone CRC over
// [addr+VerifyOffset, addr+size) against the host's CRC of
// image[VerifyOffset:size].
func (p *Programmer) verify(image []byte, addr uint32) (bool, error) {
	offset := p.VerifyOffset
	size := uint32(len(image))
	blockSize := size - offset
	blockAddr := addr + offset
	p.logf("bsl: >> standalone verification @0x%08x, size=%d bytes", blockAddr, blockSize)
	hostCRC := crc32BSL(image[offset:size])
	p.Client.logf(3, "standalone verification: prog_crc=0x%08x", hostCRC)
	return p.Client.StandaloneVerification(blockAddr, blockSize, hostCRC)
}

// FlashImage runs the full reflash sequence against path, reporting
// milestones in the returned ProgrammerState. force skips the
// verify-shortcut and always erases and reprograms.
func (p *Programmer) FlashImage(path string, force bool) (ProgrammerState, error) {
	var state ProgrammerState

	if p.GPIO != nil {
		if err := p.GPIO.EnterBSL(); err != nil {
			return state, fmt.Errorf("enter bsl: %w", err)
		}
	}

	p.logf("bsl: >> connecting")
	if err := p.Client.Connection(); err != nil {
		return state, fmt.Errorf("connect: %w", err)
	}
	state.Connected = true
	time.Sleep(200 * time.Millisecond)

	p.logf("bsl: >> changing baudrate to 115200")
	if err := p.Client.ChangeBaudrate(Baud115200); err != nil {
		p.logf("bsl: change baudrate failed, continuing at current rate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	p.logf("bsl: >> getting device info")
	if _, err := p.Client.GetDeviceInfo(); err != nil {
		return state, fmt.Errorf("get device info: %w", err)
	}
	time.Sleep(100 * time.Millisecond)

	p.logf("bsl: >> unlocking bootloader")
	if err := p.Client.UnlockBootloader(p.Password); err != nil {
		return state, fmt.Errorf("unlock: %w", err)
	}
	state.Unlocked = true

	image, err := p.OpenFile(path)
	if err != nil {
		return state, err
	}

	if !force {
		time.Sleep(200 * time.Millisecond)
		match, err := p.verify(image, 0)
		if err == nil && match {
			state.Verified = true
			p.logf("bsl: already up to date")
			time.Sleep(200 * time.Millisecond)
			p.logf("bsl: >> starting application")
			if err := p.Client.StartApplication(); err != nil {
				return state, fmt.Errorf("start application: %w", err)
			}
			state.Started = true
			return state, nil
		}
		p.logf("bsl: image differs from target, updating")
	}

	time.Sleep(100 * time.Millisecond)
	p.logf("bsl: >> mass erase before programming")
	if err := p.Client.MassErase(); err != nil {
		return state, fmt.Errorf("mass erase: %w", err)
	}
	state.Erased = true

	time.Sleep(100 * time.Millisecond)
	p.logf("bsl: >> program data @0x%08x, size=%d bytes", 0, len(image))
	if _, err := p.Client.ProgramData(0, image); err != nil {
		return state, fmt.Errorf("program data: %w", err)
	}
	state.Programmed = true

	time.Sleep(200 * time.Millisecond)
	match, err := p.verify(image, 0)
	if err != nil {
		return state, fmt.Errorf("verify: %w", err)
	}
	if !match {
		return state, fmt.Errorf("verify: %w", ErrVerifyMismatch)
	}
	state.Verified = true

	time.Sleep(200 * time.Millisecond)
	p.logf("bsl: >> starting application")
	if err := p.Client.StartApplication(); err != nil {
		return state, fmt.Errorf("start application: %w", err)
	}
	state.Started = true

	return state, nil
}
