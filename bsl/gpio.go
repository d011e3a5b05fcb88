// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"fmt"
	"os"
	"time"
)

const (
	// DefaultResetPulse is the reset pulse width: how long EnterBSL
	// keeps the BSL-entry pin held after releasing RESET, and the
	// RESET-low time HardReset uses when given no pulse, matching
	// BSL_GPIO::default_ms_reset_time.
	DefaultResetPulse = 10 * time.Millisecond
	// bslSettle is how long the BSL-entry pin is held before RESET is
	// released, matching BSL_GPIO::ms_bsl_out_settle.
	bslSettle = 10 * time.Millisecond
)

// Pin identifies a GPIO line by bank and pin number, as the original
// tool's CMake-configured _gpio_def did.
type Pin struct {
	Bank uint8
	Num  uint8
}

// GPIO is the contract the workflow needs from a GPIO backend: force
// the target into its ROM bootloader, or just reset it into the
// application. Implementations need not be safe for concurrent use.
type GPIO interface {
	EnterBSL() error
	HardReset(pulse time.Duration) error
}

// SysfsGPIO drives RESET and BSL-entry lines through the Linux sysfs
// GPIO interface (/sys/class/gpio). It assumes both pins are already
// exported and configured as outputs; unexporting is left to the
// caller's platform setup, matching the original tool's CMake-time pin
// wiring rather than owning device tree or export bookkeeping itself.
type SysfsGPIO struct {
	BSL   Pin
	Reset Pin
}

func sysfsValuePath(p Pin) string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d/value", gpioNumber(p))
}

// gpioNumber folds a bank/pin pair into the single integer sysfs
// numbers GPIOs by. Matches the scheme used on the original's target
// single-board host (bank*32 + pin).
func gpioNumber(p Pin) int {
	return int(p.Bank)*32 + int(p.Num)
}

func (g *SysfsGPIO) setPin(p Pin, high bool) error {
	val := []byte("0")
	if high {
		val = []byte("1")
	}
	f, err := os.OpenFile(sysfsValuePath(p), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("bsl: gpio %d: %w", gpioNumber(p), err)
	}
	defer f.Close()
	if _, err := f.Write(val); err != nil {
		return fmt.Errorf("bsl: gpio %d: %w", gpioNumber(p), err)
	}
	return nil
}

// EnterBSL drives RESET low, raises the BSL-entry pin, lets it settle,
// then pulses RESET high with BSL still held, forcing the target to
// boot into the ROM bootloader instead of the application.
func (g *SysfsGPIO) EnterBSL() error {
	if err := g.setPin(g.Reset, false); err != nil {
		return err
	}
	if err := g.setPin(g.BSL, true); err != nil {
		return err
	}
	time.Sleep(bslSettle)
	if err := g.setPin(g.Reset, true); err != nil {
		return err
	}
	time.Sleep(DefaultResetPulse)
	return g.setPin(g.BSL, false)
}

// HardReset pulses RESET low for pulse, then releases it, leaving the
// BSL-entry pin low so the target boots its application normally.
func (g *SysfsGPIO) HardReset(pulse time.Duration) error {
	if pulse <= 0 {
		pulse = DefaultResetPulse
	}
	if err := g.setPin(g.BSL, false); err != nil {
		return err
	}
	if err := g.setPin(g.Reset, false); err != nil {
		return err
	}
	time.Sleep(pulse)
	return g.setPin(g.Reset, true)
}
