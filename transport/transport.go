// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"

	"github.com/ffutop/bess-simulator/modbus"
)

// RequestHandler handles a Modbus request/response cycle.
// Servers strip the transport framing, pass the unit id and PDU, and wrap
// the returned PDU in their own framing. A returned error means no reply.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Server is a source of requests: a Modbus master connected to a simulated device.
type Server interface {
	// Start serves requests and blocks until ctx is cancelled or the
	// listener fails. It should be called in a goroutine.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}
