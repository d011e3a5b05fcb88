// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bsl_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
	"github.com/rckstrh/mspm0-bsl-flasher/internal/testutil"
)

func openClient(t *testing.T) (*bsl.Client, func()) {
	t.Helper()
	cleanup, devicePath := testutil.StartBSLSimulator(t)

	transport := &bsl.TransportSession{Address: devicePath}
	if err := transport.Open(); err != nil {
		cleanup()
		t.Fatalf("transport.Open: %v", err)
	}

	client := bsl.NewClient(transport)
	return client, func() {
		transport.Close()
		cleanup()
	}
}

func TestClientConnection(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	if err := client.Connection(); err != nil {
		t.Fatalf("Connection: %v", err)
	}
}

func TestClientGetDeviceInfo(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	info, err := client.GetDeviceInfo()
	if err != nil {
		t.Fatalf("GetDeviceInfo: %v", err)
	}
	if info.BSLMaxBuf == 0 {
		t.Errorf("BSLMaxBuf is zero, want a seeded nonzero value")
	}
}

func TestClientUnlockBootloader(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	var pw [32]byte
	for i := range pw {
		pw[i] = 0xFF
	}
	if err := client.UnlockBootloader(pw); err != nil {
		t.Fatalf("UnlockBootloader: %v", err)
	}
}

func TestClientProgramDataRequiresUnlock(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	data := bytes.Repeat([]byte{0xAB}, 16)
	_, err := client.ProgramData(0, data)
	var perr *bsl.ProtocolError
	if !errors.As(err, &perr) || perr.Msg != bsl.MsgLocked {
		t.Fatalf("err = %v, want ProtocolError{Msg: MsgLocked}", err)
	}
}

func TestClientProgramDataRejectsMisalignedAddress(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	_, err := client.ProgramData(1, []byte{0x00})
	if !errors.Is(err, bsl.ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestClientProgramDataAndReadBack(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	var pw [32]byte
	for i := range pw {
		pw[i] = 0xFF
	}
	if err := client.UnlockBootloader(pw); err != nil {
		t.Fatalf("UnlockBootloader: %v", err)
	}

	data := bytes.Repeat([]byte{0x5A}, bsl.MaxPayload*3+8)
	result, err := client.ProgramData(0, data)
	if err != nil {
		t.Fatalf("ProgramData: %v", err)
	}
	if result.ChunksWritten == 0 {
		t.Error("ChunksWritten is zero")
	}

	readBack, err := client.MemoryRead(0, uint32(len(data)), true)
	if err != nil {
		t.Fatalf("MemoryRead: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Error("read-back does not match what was programmed")
	}
}

func TestClientMemoryReadDeniedWithoutOptIn(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	_, err := client.MemoryRead(0, 1024, false)
	if !errors.Is(err, bsl.ErrReadbackDenied) {
		t.Fatalf("err = %v, want ErrReadbackDenied", err)
	}
}

func TestClientStandaloneVerificationRejectsShortLength(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	_, err := client.StandaloneVerification(0, 512, 0)
	if !errors.Is(err, bsl.ErrVerifyTooShort) {
		t.Fatalf("err = %v, want ErrVerifyTooShort", err)
	}
}

func TestClientStandaloneVerificationMatchesErasedFlash(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	erased := bytes.Repeat([]byte{0xFF}, 1024)
	want := bsl.CRC32(erased)

	match, err := client.StandaloneVerification(0, 1024, want)
	if err != nil {
		t.Fatalf("StandaloneVerification: %v", err)
	}
	if !match {
		t.Error("expected freshly erased flash to match its own CRC")
	}
}

func TestClientMassEraseThenReadIsAllFF(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	if err := client.MassErase(); err != nil {
		t.Fatalf("MassErase: %v", err)
	}

	readBack, err := client.MemoryRead(0, 256, true)
	if err != nil {
		t.Fatalf("MemoryRead: %v", err)
	}
	if !bytes.Equal(readBack, bytes.Repeat([]byte{0xFF}, 256)) {
		t.Error("flash was not all-0xFF after mass erase")
	}
}

func TestClientStartApplication(t *testing.T) {
	client, cleanup := openClient(t)
	defer cleanup()

	if err := client.StartApplication(); err != nil {
		t.Fatalf("StartApplication: %v", err)
	}
}
