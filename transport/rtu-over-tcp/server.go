// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	mbrtu "github.com/ffutop/bess-simulator/modbus/rtu"
	"github.com/ffutop/bess-simulator/transport"
)

const broadcastID = 0

// Server implements a Modbus RTU over TCP Server, as used by masters that
// reach the device through a serial-to-Ethernet converter.
// Connections are served one at a time.
type Server struct {
	Address string
	Logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	ready    chan struct{}
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
		Logger:  slog.Default(),
		ready:   make(chan struct{}),
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	s.Logger.Info("RTU over TCP server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error("Failed to accept connection", "err", err)
			continue
		}
		s.handleConnection(ctx, conn, handler)
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr(), nil
}

// Close closes the server listener and the active connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	s.Logger.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		slaveID, pdu, err := mbrtu.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, mbrtu.ErrChecksum) {
				s.Logger.Debug("Dropping frame with bad CRC", "addr", conn.RemoteAddr())
				continue
			}
			// A stream cannot resynchronise after a framing error.
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.Logger.Warn("Closing connection after read error", "addr", conn.RemoteAddr(), "err", err)
			}
			return
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
			s.Logger.Error("Failed to encode response", "err", err)
			continue
		}
		if _, err := conn.Write(respRaw); err != nil {
			s.Logger.Error("Failed to write response", "err", err)
			return
		}
	}
}
