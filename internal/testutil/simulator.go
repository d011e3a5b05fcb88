// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"testing"

	"github.com/rckstrh/mspm0-bsl-flasher/internal/simulator"
)

// BSLSimulatorOption configures a mock BSL target.
type BSLSimulatorOption func(*bslSimulatorConfig)

type bslSimulatorConfig struct {
	deviceInfo *simulator.FlashStore
}

// StartBSLSimulator creates and starts a pty-backed mock MSPM0 ROM
// BSL target for testing. It returns a cleanup function that should
// be deferred, and the device path a bsl.TransportSession should
// open.
//
// Example usage:
//
//	cleanup, devicePath := testutil.StartBSLSimulator(t)
//	defer cleanup()
//
//	transport := &bsl.TransportSession{Address: devicePath}
//	// ... use transport ...
func StartBSLSimulator(t *testing.T, opts ...BSLSimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	config := &bslSimulatorConfig{}
	for _, opt := range opts {
		opt(config)
	}

	store := config.deviceInfo
	if store == nil {
		store = simulator.NewFlashStore()
	}

	server, err := simulator.NewBSLServer(store, nil)
	if err != nil {
		t.Fatalf("failed to create bsl simulator: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start bsl simulator: %v", err)
	}

	devicePath = server.ClientDevicePath()
	t.Logf("bsl simulator started on %s", devicePath)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop bsl simulator: %v", err)
		}
		t.Logf("bsl simulator stopped")
	}

	return cleanup, devicePath
}
