// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"

	"github.com/ffutop/plug-modbus-gateway/modbus"
)

// ErrDropped marks a request that is discarded without any response to the master.
// Handlers wrap it with the reason; upstreams log it and carry on with the next frame.
var ErrDropped = errors.New("request dropped")

// RequestHandler handles a Modbus request/response cycle.
// The Upstream decodes its own framing down to the unit id and PDU and calls the handler;
// it wraps the returned PDU back into its framing. An error means no response is sent.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream represents a source of requests (A Modbus Master connected to us).
// It acts as a Server.
type Upstream interface {
	// Start serves requests and blocks until ctx is cancelled or the upstream fails.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// FrameConn delivers whole MBAP frames. TCP and UDP only differ in how they find the
// frame boundary on the wire.
type FrameConn interface {
	// ReadFrame returns the next frame. Any error ends the serve loop.
	ReadFrame() ([]byte, error)
	// WriteFrame sends a response to the peer of the last frame read.
	WriteFrame(frame []byte) error
}
