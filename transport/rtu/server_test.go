// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/ffutop/plug-modbus-gateway/modbus"
	"github.com/ffutop/plug-modbus-gateway/modbus/crc"
	"github.com/ffutop/plug-modbus-gateway/transport"
)

type mockPort struct {
	io.Reader
	io.Writer
}

func frame(b ...byte) []byte {
	return crc.Append(b)
}

// coilHandler answers read coils with an ON coil, echoes write single coil and drops
// everything else.
func coilHandler(calls *int) transport.RequestHandler {
	return func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		*calls++
		if slaveID != 1 {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: unit id %d", transport.ErrDropped, slaveID)
		}
		switch pdu.FunctionCode {
		case modbus.FuncCodeReadCoils:
			return modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x01, 0x01}}, nil
		case modbus.FuncCodeWriteSingleCoil:
			return pdu, nil
		}
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: function 0x%02X", transport.ErrDropped, pdu.FunctionCode)
	}
}

func TestScanLoop(t *testing.T) {
	readCoil := frame(0x01, 0x01, 0x00, 0x00, 0x00, 0x01)
	writeCoil := frame(0x01, 0x05, 0x00, 0x00, 0xFF, 0x00)

	var input []byte
	input = append(input, readCoil...)
	input = append(input, writeCoil...)

	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var calls int
	s := &Server{}
	err := s.scanLoop(context.Background(), port, coilHandler(&calls))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("scanLoop() = %v, want EOF", err)
	}
	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}

	var want []byte
	want = append(want, frame(0x01, 0x01, 0x01, 0x01)...)
	want = append(want, writeCoil...)
	if !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("responses = % X, want % X", writer.Bytes(), want)
	}
}

func TestScanLoop_Dropped(t *testing.T) {
	tests := []struct {
		name      string
		input     []byte
		wantCalls int
	}{
		{"BadCRC", []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}, 0},
		{"OtherUnit", frame(0x02, 0x01, 0x00, 0x00, 0x00, 0x01), 1},
		{"UnsupportedFunction", frame(0x01, 0x03, 0x00, 0x00, 0x00, 0x01), 1},
		{"UnknownFunction", []byte{0x01, 0x99, 0x00, 0x00, 0x00, 0x00}, 0},
		{"Truncated", []byte{0x01, 0x01, 0x00, 0x00}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &bytes.Buffer{}
			port := &mockPort{Reader: bytes.NewReader(tt.input), Writer: writer}

			var calls int
			s := &Server{}
			s.scanLoop(context.Background(), port, coilHandler(&calls))

			if calls != tt.wantCalls {
				t.Errorf("handler called %d times, want %d", calls, tt.wantCalls)
			}
			if writer.Len() != 0 {
				t.Errorf("unexpected response % X", writer.Bytes())
			}
		})
	}
}

func TestScanLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := &mockPort{Reader: bytes.NewReader(frame(0x01, 0x01, 0x00, 0x00, 0x00, 0x01)), Writer: &bytes.Buffer{}}
	var calls int
	s := &Server{}
	if err := s.scanLoop(ctx, port, coilHandler(&calls)); err != nil {
		t.Errorf("scanLoop() = %v, want nil", err)
	}
	if calls != 0 {
		t.Errorf("handler called after cancel")
	}
}
