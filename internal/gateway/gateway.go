// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/internal/relay"
	"github.com/ffutop/plug-modbus-gateway/modbus"
	"github.com/ffutop/plug-modbus-gateway/transport"
)

const (
	// UnitID is the only unit id the gateway answers to.
	UnitID = 1
	// CoilAddress is the address of the single coil mapped onto the relay.
	CoilAddress = 0

	coilRequestSize = 4 // Addr(2) + Count/Value(2)
)

// Relay is the plug relay as seen by the gateway.
type Relay interface {
	GetRelayStatus(ctx context.Context) (relay.Status, error)
	SetRelayStatus(ctx context.Context, on bool) error
}

type queuedRequest struct {
	ctx      context.Context
	slaveID  byte
	pdu      modbus.ProtocolDataUnit
	response chan<- queuedResponse
}

type queuedResponse struct {
	pdu modbus.ProtocolDataUnit
	err error
}

// Gateway bridges Modbus masters on its Upstreams to the relay of a single plug.
// Requests from every upstream go through one worker, so at most one plug round trip
// is ever in flight.
type Gateway struct {
	Name      string
	Upstreams []transport.Upstream
	Relay     Relay
	// RequestTimeout bounds one request including its wait in the queue. Zero disables it.
	RequestTimeout time.Duration

	metrics  *metrics.Metrics
	requests chan *queuedRequest
}

// NewGateway creates a new Gateway instance. m may be nil.
func NewGateway(name string, upstreams []transport.Upstream, r Relay, m *metrics.Metrics) *Gateway {
	return &Gateway{
		Name:      name,
		Upstreams: upstreams,
		Relay:     r,
		metrics:   m,
		requests:  make(chan *queuedRequest),
	}
}

// Start runs the worker and all upstreams, and blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.worker(ctx)
	}()

	for i, us := range g.Upstreams {
		wg.Add(1)
		go func(ups transport.Upstream, idx int) {
			defer wg.Done()
			slog.Info("Starting upstream", "gateway", g.Name, "index", idx)
			if err := ups.Start(ctx, g.HandleRequest); err != nil {
				slog.Error("Upstream stopped with error", "gateway", g.Name, "index", idx, "err", err)
			}
		}(us, i)
	}

	<-ctx.Done()

	// Graceful shutdown
	for _, us := range g.Upstreams {
		us.Close()
	}

	wg.Wait()
	return nil
}

// HandleRequest is the transport.RequestHandler of every upstream. It queues the request
// for the worker and waits for the outcome.
func (g *Gateway) HandleRequest(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if g.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.RequestTimeout)
		defer cancel()
	}

	responseChan := make(chan queuedResponse, 1)
	req := &queuedRequest{ctx: ctx, slaveID: slaveID, pdu: pdu, response: responseChan}

	select {
	case g.requests <- req:
	case <-ctx.Done():
		return modbus.ProtocolDataUnit{}, fmt.Errorf("gateway busy: %w", ctx.Err())
	}

	select {
	case result := <-responseChan:
		return result.pdu, result.err
	case <-ctx.Done():
		return modbus.ProtocolDataUnit{}, fmt.Errorf("waiting for plug: %w", ctx.Err())
	}
}

// worker processes requests serially.
func (g *Gateway) worker(ctx context.Context) {
	slog.Debug("Gateway worker started", "gateway", g.Name)
	defer slog.Debug("Gateway worker stopped", "gateway", g.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-g.requests:
			pdu, err := g.dispatch(req.ctx, req.slaveID, req.pdu)
			req.response <- queuedResponse{pdu: pdu, err: err}
		}
	}
}

// dispatch is the central dispatch function. It returns the response PDU, or an error
// when no response must be sent.
func (g *Gateway) dispatch(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	var (
		resp modbus.ProtocolDataUnit
		err  error
	)

	switch {
	case slaveID != UnitID:
		err = g.drop("unit_id", "this gateway only serves unit id %d, got %d", UnitID, slaveID)
	case pdu.FunctionCode == modbus.FuncCodeReadCoils:
		resp, err = g.readCoil(ctx, pdu)
	case pdu.FunctionCode == modbus.FuncCodeWriteSingleCoil:
		resp, err = g.writeCoil(ctx, pdu)
	default:
		err = g.drop("function", "unrecognised or unsupported function code 0x%02X", pdu.FunctionCode)
	}

	g.metrics.ObserveRequest(pdu.FunctionCode, result(err))
	return resp, err
}

// readCoil serves Read Coils for exactly one coil at address 0.
func (g *Gateway) readCoil(ctx context.Context, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(pdu.Data) != coilRequestSize {
		return modbus.ProtocolDataUnit{}, g.drop("length", "incorrect packet length for function code 0x01: %d data bytes", len(pdu.Data))
	}
	if addr := binary.BigEndian.Uint16(pdu.Data[0:2]); addr != CoilAddress {
		return modbus.ProtocolDataUnit{}, g.drop("address", "this gateway only serves coil address %d, got %d", CoilAddress, addr)
	}
	if count := binary.BigEndian.Uint16(pdu.Data[2:4]); count != 1 {
		return modbus.ProtocolDataUnit{}, g.drop("quantity", "this gateway only serves a coil count of 1, got %d", count)
	}

	status, err := g.Relay.GetRelayStatus(ctx)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("read coil: %w", err)
	}
	slog.Debug("Relay status", "gateway", g.Name, "status", status)

	// UNKNOWN cannot be told apart from OFF on the wire.
	var coil byte
	if status == relay.On {
		coil = 1
	} else if status == relay.Unknown {
		slog.Warn("Relay status not recognised in plug reply, reporting OFF", "gateway", g.Name)
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadCoils,
		Data:         []byte{1, coil}, // ByteCount + Coil
	}, nil
}

// writeCoil serves Write Single Coil at address 0 and echoes the request.
func (g *Gateway) writeCoil(ctx context.Context, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(pdu.Data) != coilRequestSize {
		return modbus.ProtocolDataUnit{}, g.drop("length", "incorrect packet length for function code 0x05: %d data bytes", len(pdu.Data))
	}
	if addr := binary.BigEndian.Uint16(pdu.Data[0:2]); addr != CoilAddress {
		return modbus.ProtocolDataUnit{}, g.drop("address", "this gateway only serves coil address %d, got %d", CoilAddress, addr)
	}
	value := binary.BigEndian.Uint16(pdu.Data[2:4])
	if value != modbus.CoilOn && value != modbus.CoilOff {
		return modbus.ProtocolDataUnit{}, g.drop("value", "coil value must be 0x0000 or 0xFF00, got 0x%04X", value)
	}

	on := value == modbus.CoilOn
	if err := g.Relay.SetRelayStatus(ctx, on); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("write coil: %w", err)
	}
	slog.Info("Relay switched", "gateway", g.Name, "on", on)

	echo := make([]byte, len(pdu.Data))
	copy(echo, pdu.Data)
	return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: echo}, nil
}

func (g *Gateway) drop(reason, format string, args ...any) error {
	g.metrics.ObserveDrop(reason)
	return fmt.Errorf("%w: %s", transport.ErrDropped, fmt.Sprintf(format, args...))
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, transport.ErrDropped):
		return metrics.ResultDropped
	default:
		return metrics.ResultError
	}
}
