// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package integration

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
	"github.com/rckstrh/mspm0-bsl-flasher/internal/testutil"
)

// TestFlashEndToEnd drives a full Programmer.FlashImage run against a
// pty-backed mock target, exercising the real TransportSession and
// go.bug.st/serial stack rather than an in-process fake.
func TestFlashEndToEnd(t *testing.T) {
	cleanup, devicePath := testutil.StartBSLSimulator(t)
	defer cleanup()

	transport := &bsl.TransportSession{Address: devicePath}
	if err := transport.Open(); err != nil {
		t.Fatalf("transport.Open: %v", err)
	}
	defer transport.Close()

	image := bytes.Repeat([]byte{0x3C}, 8192)
	copy(image[0xC0:], []byte("bring-up-1"))

	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	client := bsl.NewClient(transport)
	programmer := bsl.NewProgrammer(client)

	state, err := programmer.FlashImage(path, false)
	if err != nil {
		t.Fatalf("FlashImage: %v", err)
	}
	if !state.Started {
		t.Fatalf("flash run did not reach Started: %+v", state)
	}
}
