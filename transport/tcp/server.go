// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/bess-simulator/transport"
)

// Server implements a Modbus TCP Server.
// Connections are served one at a time; a second client waits in the
// accept backlog until the first disconnects.
type Server struct {
	Address string
	Handler transport.RequestHandler
	Logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	ready    chan struct{}
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
		Logger:  slog.Default(),
		ready:   make(chan struct{}),
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.Handler = handler
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	s.Logger.Info("Modbus TCP server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if closed
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
		s.handleConnection(ctx, conn)
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

// Close closes the listener and the active connection.
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

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.Logger.Info("New TCP client connected", "addr", conn.RemoteAddr())

	for {
		// Check context
		select {
		case <-ctx.Done():
			return
		default:
		}

		adu, err := ReadADU(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.Logger.Info("TCP client disconnected", "addr", conn.RemoteAddr())
			default:
				s.Logger.Error("Failed to read request", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}
		if adu.ProtocolID != protocolID {
			s.Logger.Warn("Dropping frame with unknown protocol id", "protocol", adu.ProtocolID)
			continue
		}

		if s.Handler == nil {
			s.Logger.Error("No handler defined for TCP server")
			return
		}

		respPdu, err := s.Handler(ctx, adu.SlaveID, adu.Pdu)
		if err != nil {
			s.Logger.Error("Handler failed", "err", err)
			continue
		}

		respRaw, err := adu.Reply(respPdu).Encode()
		if err != nil {
			s.Logger.Error("Failed to encode TCP response", "err", err)
			continue
		}

		if _, err = conn.Write(respRaw); err != nil {
			s.Logger.Error("Failed to write response to connection", "err", err)
			return
		}
	}
}
