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

	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/modbus/mbap"
	"github.com/ffutop/plug-modbus-gateway/transport"
)

// Server implements a Modbus TCP Server.
// Connections are served strictly one after another: the next connection is accepted
// only once the current peer has closed.
type Server struct {
	Address string
	Metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string, m *metrics.Metrics) *Server {
	return &Server{
		Address: address,
		Metrics: m,
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
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		slog.Debug("Waiting for Modbus TCP connection", "addr", listener.Addr())
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
			// e.g. a connection reset before accept completed
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		s.Metrics.ObserveAccept()
		s.handleConnection(ctx, conn, handler)
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	err := transport.ServeMBAP(ctx, &frameConn{conn: conn}, handler, s.Metrics)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		slog.Info("TCP client disconnected gracefully", "addr", conn.RemoteAddr())
	default:
		slog.Error("TCP connection closed", "addr", conn.RemoteAddr(), "err", err)
	}
}

// frameConn finds frame boundaries from the MBAP length field.
type frameConn struct {
	conn net.Conn
}

// ReadFrame reads the header, then exactly as many bytes as the length field declares.
// A length below 2 returns the bare header so that the codec rejects it; the bytes
// following it are read as the next header.
func (c *frameConn) ReadFrame() ([]byte, error) {
	header := make([]byte, mbap.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	length := mbap.Length(header)
	if length < 2 {
		return header, nil
	}

	frame := make([]byte, mbap.HeaderSize+length)
	copy(frame, header)
	if _, err := io.ReadFull(c.conn, frame[mbap.HeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *frameConn) WriteFrame(frame []byte) error {
	_, err := c.conn.Write(frame)
	return err
}
