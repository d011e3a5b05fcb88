// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// InitialBaud is the rate every MSPM0 ROM BSL session starts at.
	InitialBaud = 9600

	defaultReadTimeout = 500 * time.Millisecond
	defaultReadRetries = 10
)

// TransportSession owns the single serial port used for one BSL
// session. Unlike the teacher's serialPort it has no idle-close timer
// or per-call reconnect: a BSL session is opened once at InitialBaud,
// its baud rate changed in lock-step with the target via ChangeBaud,
// and closed exactly once when the session ends.
type TransportSession struct {
	Address string
	Logger  *log.Logger
	// Verbosity gates raw tx/rx byte dumps: only level 3 and above logs
	// them, matching the original's serial.cpp ("verbose_level > 2").
	Verbosity int

	mu   sync.Mutex
	port serial.Port
	baud int
}

// Open opens the port at InitialBaud, 8-N-1, matching the ROM BSL's
// fixed UART framing.
func (t *TransportSession) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: InitialBaud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(t.Address, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	t.port = port
	t.baud = InitialBaud
	return nil
}

// Close closes the port. Close is idempotent.
func (t *TransportSession) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// WriteAll writes all of b to the port, failing with ErrShortWrite if
// the underlying driver accepts fewer bytes than given without error.
func (t *TransportSession) WriteAll(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logf("bsl: tx % x", b)
	n, err := t.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShortWrite, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(b))
	}
	return nil
}

// ReadExact reads exactly n bytes, tolerating up to defaultReadRetries
// consecutive zero-byte reads (the port's read-timeout firing with no
// data) before giving up with ErrTimeout. This is the Go-native
// restatement of the original's readBytes, which does not distinguish
// a slow-arriving byte from a hard timeout.
func (t *TransportSession) ReadExact(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, n)
	got := 0
	empties := 0
	for got < n {
		nn, err := t.port.Read(buf[got:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if nn == 0 {
			empties++
			if empties >= defaultReadRetries {
				return nil, fmt.Errorf("%w: no data after %d retries, got %d of %d bytes", ErrTimeout, empties, got, n)
			}
			continue
		}
		empties = 0
		got += nn
	}
	t.logf("bsl: rx % x", buf)
	return buf, nil
}

// ChangeBaud flushes, closes, and reopens the port at rate. The
// caller must already have told the target to switch via
// CmdChangeBaudrate before calling this, and must call it before the
// next write — the target and host must change in lock-step.
func (t *TransportSession) ChangeBaud(rate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return fmt.Errorf("%w: port is not open", ErrOpenFailed)
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flushing input before baud change: %v", ErrOpenFailed, err)
	}
	if err := t.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("%w: flushing output before baud change: %v", ErrOpenFailed, err)
	}
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("%w: closing before baud change: %v", ErrOpenFailed, err)
	}
	t.port = nil

	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(t.Address, mode)
	if err != nil {
		return fmt.Errorf("%w: reopening at %d baud: %v", ErrUnsupportedBaud, rate, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	t.port = port
	t.baud = rate
	return nil
}

func (t *TransportSession) logf(format string, v ...interface{}) {
	if t.Logger != nil && t.Verbosity >= 3 {
		t.Logger.Printf(format, v...)
	}
}
