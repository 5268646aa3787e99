// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/modbus/mbap"
)

// ServeMBAP reads frames from conn one at a time, validates them, hands them to handler
// and writes the response, if any, before reading the next frame.
// It returns nil once ctx is cancelled, otherwise the error that ended reading or writing.
func ServeMBAP(ctx context.Context, conn FrameConn, handler RequestHandler, m *metrics.Metrics) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Debug("recv modbus frame", "frame", hex.EncodeToString(raw))

		resp, err := handleFrame(ctx, raw, handler)
		if err != nil {
			LogHandlerError(err, "frame", hex.EncodeToString(raw))
			if reason, ok := frameDropReason(err); ok {
				m.ObserveDrop(reason)
			}
			continue
		}

		slog.Debug("send modbus frame", "frame", hex.EncodeToString(resp))
		if err := conn.WriteFrame(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

func handleFrame(ctx context.Context, raw []byte, handler RequestHandler) ([]byte, error) {
	req, err := mbap.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDropped, err)
	}

	pdu, err := handler(ctx, req.UnitID, req.Pdu)
	if err != nil {
		return nil, err
	}

	resp, err := req.Reply(pdu).Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return resp, nil
}

func frameDropReason(err error) (string, bool) {
	switch {
	case errors.Is(err, mbap.ErrShortFrame):
		return "runt", true
	case errors.Is(err, mbap.ErrLengthTooShort):
		return "length_too_short", true
	case errors.Is(err, mbap.ErrLengthMismatch):
		return "length_mismatch", true
	}
	return "", false
}

// LogHandlerError logs a request that produced no response. Drops are expected traffic
// and go to warn; anything else is an error.
func LogHandlerError(err error, args ...any) {
	args = append([]any{"err", err}, args...)
	if errors.Is(err, ErrDropped) {
		slog.Warn("Request dropped", args...)
		return
	}
	slog.Error("Request failed", args...)
}
