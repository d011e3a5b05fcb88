// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rckstrh/mspm0-bsl-flasher/internal/simulator"
)

func main() {
	flag.Parse()

	store := simulator.NewFlashStore()
	server, err := simulator.NewBSLServer(store, nil)
	if err != nil {
		log.Fatalf("failed to create bsl server: %v", err)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start bsl server: %v", err)
	}

	fmt.Println("MSPM0 BSL simulator running")
	fmt.Printf("Client device path: %s\n", server.ClientDevicePath())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	if err := server.Stop(); err != nil {
		log.Printf("error stopping server: %v", err)
	}
}
