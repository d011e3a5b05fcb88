// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "mspm0-bsl-flasher",
		Usage:   "Program MSPM0 targets over the UART ROM bootloader",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "verbose",
				Usage: "Verbosity level (0-3)",
				Value: 1,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "flash",
				Usage:     "Erase, program, verify, and start an application image",
				ArgsUsage: "<serial> <binary>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "enter-bsl", Usage: "Drive GPIO to force the target into the bootloader first"},
					&cli.BoolFlag{Name: "force", Usage: "Skip the verify shortcut and always reflash"},
				},
				Action: flashAction,
			},
			{
				Name:   "reset",
				Usage:  "Reset the target into its application via GPIO",
				Action: resetAction,
			},
			{
				Name:   "enter_bsl",
				Usage:  "Force the target into the bootloader via GPIO",
				Action: enterBSLAction,
			},
			{
				Name:      "read_binary_version",
				Usage:     "Print the version string embedded in a firmware image",
				ArgsUsage: "<binary>",
				Action:    readBinaryVersionAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logger(c *cli.Context) *log.Logger {
	if c.Int("verbose") <= 0 {
		return nil
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func flashAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: flash <serial> <binary>")
	}
	serialPath := c.Args().Get(0)
	binaryPath := c.Args().Get(1)

	_, cancel := createContextWithSignalHandler()
	defer cancel()

	verbosity := c.Int("verbose")
	transport := &bsl.TransportSession{Address: serialPath, Logger: logger(c), Verbosity: verbosity}
	if err := transport.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", serialPath, err)
	}
	defer transport.Close()

	client := bsl.NewClient(transport)
	client.Logger = logger(c)
	client.Verbosity = verbosity
	programmer := bsl.NewProgrammer(client)
	programmer.Logger = logger(c)
	if c.Bool("enter-bsl") {
		programmer.GPIO = &bsl.SysfsGPIO{}
	}

	if version, err := readVersionString(binaryPath); err == nil {
		fmt.Printf("Image version: %s\n", version)
	}

	state, err := programmer.FlashImage(binaryPath, c.Bool("force"))
	if err != nil {
		return fmt.Errorf("flash failed: %w", err)
	}
	fmt.Printf("Status: connected=%v unlocked=%v erased=%v programmed=%v verified=%v started=%v\n",
		state.Connected, state.Unlocked, state.Erased, state.Programmed, state.Verified, state.Started)
	return nil
}

func resetAction(c *cli.Context) error {
	gpio := &bsl.SysfsGPIO{}
	if err := gpio.HardReset(bsl.DefaultResetPulse); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	return nil
}

func enterBSLAction(c *cli.Context) error {
	gpio := &bsl.SysfsGPIO{}
	if err := gpio.EnterBSL(); err != nil {
		return fmt.Errorf("enter bsl failed: %w", err)
	}
	return nil
}

func readBinaryVersionAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("usage: read_binary_version <binary>")
	}
	version, err := readVersionString(c.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func readVersionString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", bsl.ErrFileOpen, err)
	}
	return bsl.ReadFileVersion(data)
}

// createContextWithSignalHandler creates a context that is cancelled on SIGINT/SIGTERM
func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Received interrupt signal, cancelling operation...")
		cancel()
	}()

	return ctx, cancel
}
