// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rckstrh/mspm0-bsl-flasher/bsl"
)

// BSLServer is a pty-backed mock MSPM0 ROM BSL target: it reads
// request frames, dispatches them to a Handler, and writes the ack
// byte and any deferred response back to the master side of the pty.
type BSLServer struct {
	handler  *Handler
	pty      *PtyPair
	logger   *log.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// BSLServerConfig holds configuration for the BSL server.
type BSLServerConfig struct {
	Logger *log.Logger
}

// NewBSLServer creates a new BSLServer fronting store.
func NewBSLServer(store *FlashStore, config *BSLServerConfig) (*BSLServer, error) {
	if config == nil {
		config = &BSLServerConfig{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "bsl-server: ", log.LstdFlags)
	}

	pty, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to create pty: %w", err)
	}

	return &BSLServer{
		handler:  NewHandler(store),
		pty:      pty,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// ClientDevicePath returns the device path a bsl.TransportSession
// should open.
func (s *BSLServer) ClientDevicePath() string {
	return s.pty.SlavePath
}

// Start starts the server loop in a goroutine.
func (s *BSLServer) Start() error {
	go s.serve()
	time.Sleep(200 * time.Millisecond)
	return nil
}

// Stop stops the server and waits for its goroutine to finish.
func (s *BSLServer) Stop() error {
	close(s.stopChan)

	if err := s.pty.Close(); err != nil {
		s.logger.Printf("error closing pty: %v", err)
	}

	select {
	case <-s.doneChan:
	case <-time.After(1 * time.Second):
		s.logger.Printf("bsl server stop timed out (goroutine may still be reading)")
	}

	return nil
}

func (s *BSLServer) serve() {
	defer close(s.doneChan)

	s.logger.Printf("bsl server listening - server pty: %s, client pty: %s", s.pty.MasterPath, s.pty.SlavePath)

	for {
		select {
		case <-s.stopChan:
			s.logger.Printf("bsl server stopping")
			return
		default:
			if err := s.handleRequest(); err != nil {
				if err == io.EOF {
					s.logger.Printf("bsl server stopping (pty closed)")
					return
				}
				s.logger.Printf("error handling request: %v", err)
			}
		}
	}
}

func (s *BSLServer) handleRequest() error {
	if err := s.pty.Master.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
		s.logger.Printf("warning: failed to set read deadline: %v", err)
	}

	frame, err := s.readFrame()
	if err != nil {
		if os.IsTimeout(err) {
			return nil
		}
		if err == io.EOF || err == os.ErrClosed {
			return io.EOF
		}
		s.logger.Printf("error reading frame: %v", err)
		return nil
	}

	s.logger.Printf("received: % x", frame)

	payload, err := bsl.ParseFrame(frame, 0x80)
	if err != nil {
		s.logger.Printf("failed to decode frame: %v", err)
		return nil
	}

	ack, response := s.handler.Handle(payload)

	if _, err := s.pty.Master.Write([]byte{ack}); err != nil {
		return fmt.Errorf("failed to write ack: %w", err)
	}
	if ack == byte(bsl.AckOk) && response != nil {
		if _, err := s.pty.Master.Write(response); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	if err := s.pty.Master.Sync(); err != nil {
		s.logger.Printf("warning: failed to sync: %v", err)
	}

	return nil
}

// readFrame reads a complete request frame: header+length first, then
// the declared payload plus the 4-byte CRC trailer.
func (s *BSLServer) readFrame() ([]byte, error) {
	var head [3]byte
	if _, err := io.ReadFull(s.pty.Master, head[:]); err != nil {
		return nil, err
	}
	declared := int(binary.LittleEndian.Uint16(head[1:3]))
	rest := make([]byte, declared+4)
	if _, err := io.ReadFull(s.pty.Master, rest); err != nil {
		return nil, err
	}
	return append(head[:], rest...), nil
}
