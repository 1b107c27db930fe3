// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/grid-x/serial"

	"github.com/ffutop/bess-simulator/internal/config"
	mbrtu "github.com/ffutop/bess-simulator/modbus/rtu"
	"github.com/ffutop/bess-simulator/transport"
)

// broadcastID requests are executed but never answered.
const broadcastID = 0

// Server implements a Modbus RTU Server.
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
type Server struct {
	Config config.SerialConfig
	Logger *slog.Logger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{
		Config: cfg,
		Logger: slog.Default(),
	}
}

// Start starts the RTU server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	port, err := serial.Open(s.serialConfig())
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	s.Logger.Info("RTU Server listening", "device", s.Config.Device, "baud", s.Config.BaudRate)

	// handle close
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.scanLoop(ctx, port, handler)
}

func (s *Server) serialConfig() *serial.Config {
	return &serial.Config{
		Address:  s.Config.Device,
		BaudRate: s.Config.BaudRate,
		DataBits: s.Config.DataBits,
		StopBits: s.Config.StopBits,
		Parity:   s.Config.Parity,
		Timeout:  s.Config.Timeout,
		RS485: serial.RS485Config{
			Enabled:            s.Config.RS485,
			DelayRtsBeforeSend: s.Config.DelayRtsBeforeSend,
			DelayRtsAfterSend:  s.Config.DelayRtsAfterSend,
			RtsHighDuringSend:  s.Config.RtsHighDuringSend,
			RtsHighAfterSend:   s.Config.RtsHighAfterSend,
			RxDuringTx:         s.Config.RxDuringTx,
		},
	}
}

// scanLoop answers requests strictly in order; a frame is fully handled
// before the next one is read.
func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		slaveID, pdu, err := mbrtu.ReadRequest(port)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			var unsupported *mbrtu.UnsupportedFunctionError
			switch {
			case errors.Is(err, mbrtu.ErrChecksum):
				s.Logger.Debug("Dropping frame with bad CRC")
			case errors.As(err, &unsupported):
				s.Logger.Debug("Dropping frame of unknown length", "func", unsupported.FunctionCode)
			}
			continue
		}

		respPDU, err := handler(ctx, slaveID, pdu)
		if err != nil {
			s.Logger.Error("Request handler failed", "err", err)
			continue
		}
		if slaveID == broadcastID {
			continue
		}

		respRaw, err := mbrtu.Encode(slaveID, respPDU)
		if err != nil {
			s.Logger.Error("Failed to encode RTU response", "err", err)
			continue
		}
		if _, err := port.Write(respRaw); err != nil {
			s.Logger.Error("Failed to write RTU response", "err", err)
		}
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
