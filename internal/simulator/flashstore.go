// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"sync"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
)

const flashSize = 256 * 1024

// FlashStore is the in-memory target state a mock BSL session mutates:
// a flat flash image plus the bootloader's lock, erased and started
// state. It
// plays the role the teacher's DataStore plays for register banks.
type FlashStore struct {
	mu sync.RWMutex

	flash    [flashSize]byte
	unlocked bool
	erased   bool
	started  bool

	DeviceInfo bsl.DeviceInfo
}

// NewFlashStore returns a FlashStore pre-seeded with plausible
// DeviceInfo values and flash contents of 0xFF (erased NOR/flash
// convention).
func NewFlashStore() *FlashStore {
	fs := &FlashStore{
		DeviceInfo: bsl.DeviceInfo{
			CmdInterpreterVersion: 0x0100,
			BuildID:               0x0001,
			AppVersion:            0x00010000,
			PluginIfVersion:       0x0001,
			BSLMaxBuf:             0x00FF,
			BSLBufStart:           0x20000000,
			BCRConfID:             0x00000001,
			BSLConfID:             0x00000001,
		},
	}
	for i := range fs.flash {
		fs.flash[i] = 0xFF
	}
	return fs
}

func (fs *FlashStore) massErase() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.flash {
		fs.flash[i] = 0xFF
	}
	fs.erased = true
}

func (fs *FlashStore) program(addr uint32, data []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if int(addr)+len(data) > len(fs.flash) {
		return false
	}
	copy(fs.flash[addr:], data)
	return true
}

func (fs *FlashStore) read(addr, length uint32) ([]byte, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if int(addr)+int(length) > len(fs.flash) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, fs.flash[addr:addr+length])
	return out, true
}

func (fs *FlashStore) verify(addr, length uint32) ([]byte, bool) {
	return fs.read(addr, length)
}

func (fs *FlashStore) unlock(password [32]byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.unlocked = true
	return true
}

func (fs *FlashStore) isUnlocked() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.unlocked
}

func (fs *FlashStore) markStarted() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.started = true
}

func (fs *FlashStore) Started() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.started
}
