// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/grid-x/serial"

	"github.com/ffutop/plug-modbus-gateway/internal/config"
	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/modbus/rtu"
	"github.com/ffutop/plug-modbus-gateway/transport"
)

// Server implements a Modbus RTU Server (Upstream).
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
type Server struct {
	Config  config.SerialConfig
	Metrics *metrics.Metrics

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig, m *metrics.Metrics) *Server {
	return &Server{
		Config:  cfg,
		Metrics: m,
	}
}

// Start opens the serial port and serves requests until ctx is cancelled.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	port, err := serial.Open(&serial.Config{
		Address:  s.Config.Device,
		BaudRate: s.Config.BaudRate,
		DataBits: s.Config.DataBits,
		StopBits: s.Config.StopBits,
		Parity:   s.Config.Parity,
		Timeout:  s.Config.Timeout, // Read timeout
		RS485: serial.RS485Config{
			Enabled:            s.Config.RS485,
			DelayRtsBeforeSend: s.Config.DelayRtsBeforeSend,
			DelayRtsAfterSend:  s.Config.DelayRtsAfterSend,
			RtsHighDuringSend:  s.Config.RtsHighDuringSend,
			RtsHighAfterSend:   s.Config.RtsHighAfterSend,
			RxDuringTx:         s.Config.RxDuringTx,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	slog.Info("RTU Server listening", "device", s.Config.Device, "baudRate", s.Config.BaudRate, "parity", s.Config.Parity)

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	return s.scanLoop(ctx, port, handler)
}

// Close closes the serial port.
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

// scanLoop reads one request at a time and answers it before reading the next.
func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	buf := make([]byte, rtu.MaxSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// [SlaveID, Func]
		if _, err := io.ReadFull(port, buf[:2]); err != nil {
			if stop, err := readFailed(ctx, err); stop {
				return err
			}
			continue
		}

		need := rtu.HeaderSize(buf[1])
		if _, err := io.ReadFull(port, buf[2:need]); err != nil {
			if stop, err := readFailed(ctx, err); stop {
				return err
			}
			continue
		}

		expectedLen, err := rtu.CalculateRequestLength(buf[1], buf[:need])
		if err != nil || expectedLen > len(buf) {
			slog.Warn("Discarding RTU frame", "err", err, "header", hex.EncodeToString(buf[:need]))
			continue
		}

		if _, err := io.ReadFull(port, buf[need:expectedLen]); err != nil {
			if stop, err := readFailed(ctx, err); stop {
				return err
			}
			continue
		}
		s.Metrics.ObserveSerialFrame()
		slog.Debug("recv rtu frame", "frame", hex.EncodeToString(buf[:expectedLen]))

		slaveID, pdu, err := rtu.Decode(buf[:expectedLen])
		if err != nil {
			slog.Warn("Discarding RTU frame", "err", err)
			s.Metrics.ObserveDrop("crc")
			continue
		}

		respPdu, err := handler(ctx, slaveID, pdu)
		if err != nil {
			transport.LogHandlerError(err, "slaveID", slaveID)
			continue
		}

		raw, err := rtu.Encode(slaveID, respPdu)
		if err != nil {
			slog.Error("Failed to encode RTU response", "err", err)
			continue
		}
		slog.Debug("send rtu frame", "frame", hex.EncodeToString(raw))
		if _, err := port.Write(raw); err != nil {
			slog.Error("Failed to write RTU response", "err", err)
		}
	}
}

// readFailed decides whether a read error ends the loop. Timeouts only drop the
// partial frame; a closed or exhausted port stops the server.
func readFailed(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		return true, err
	}
	slog.Debug("RTU read interrupted", "err", err)
	return false, nil
}
