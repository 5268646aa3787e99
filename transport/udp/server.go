// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/transport"
)

// maxDatagramSize fits any UDP payload, so an oversized frame is never truncated into
// something that looks valid.
const maxDatagramSize = 65535

// Server implements Modbus over UDP: every datagram carries exactly one MBAP frame.
type Server struct {
	Address string
	Metrics *metrics.Metrics

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewServer creates a new UDP Server.
func NewServer(address string, m *metrics.Metrics) *Server {
	return &Server{
		Address: address,
		Metrics: m,
	}
}

// Start serves datagrams one at a time until ctx is cancelled.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	addr, err := net.ResolveUDPAddr("udp", s.Address)
	if err != nil {
		return fmt.Errorf("resolve UDP address %s: %w", s.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	slog.Info("Modbus UDP server listening", "addr", conn.LocalAddr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	dc := &datagramConn{conn: conn, buf: make([]byte, maxDatagramSize), metrics: s.Metrics}
	err = transport.ServeMBAP(ctx, dc, handler, s.Metrics)
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Start has bound the socket.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close closes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// datagramConn treats each datagram as one frame and answers its sender.
type datagramConn struct {
	conn    *net.UDPConn
	buf     []byte
	peer    *net.UDPAddr
	metrics *metrics.Metrics
}

// ReadFrame only fails once the socket is closed; other receive errors, such as a
// reset reported for an earlier reply, are logged and skipped.
func (c *datagramConn) ReadFrame() ([]byte, error) {
	for {
		n, addr, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			slog.Warn("Failed to receive datagram", "err", err)
			continue
		}
		c.metrics.ObserveDatagram()
		c.peer = addr
		frame := make([]byte, n)
		copy(frame, c.buf[:n])
		return frame, nil
	}
}

func (c *datagramConn) WriteFrame(frame []byte) error {
	if _, err := c.conn.WriteToUDP(frame, c.peer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		slog.Warn("Failed to send datagram", "peer", c.peer, "err", err)
	}
	return nil
}
