// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mbap encodes and decodes Modbus Application Protocol frames as carried over
// TCP and UDP: a 6 byte header (transaction id, protocol id, length) followed by the
// unit id and the PDU.
package mbap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/plug-modbus-gateway/modbus"
)

const (
	// HeaderSize is the size of transaction id, protocol id and length.
	HeaderSize = 6
	// MaxSize is the largest ADU: 253 bytes of PDU plus the 7 byte MBAP header.
	MaxSize = 260

	minLength = 2 // unit id + function code
)

var (
	ErrShortFrame     = errors.New("mbap: frame shorter than header")
	ErrLengthTooShort = errors.New("mbap: length field does not cover unit id and function code")
	ErrLengthMismatch = errors.New("mbap: length field does not match frame size")
)

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
	Pdu           modbus.ProtocolDataUnit
}

// Length returns the length field of a raw header.
func Length(header []byte) int {
	return int(binary.BigEndian.Uint16(header[4:6]))
}

// Decode parses a complete frame. The frame is rejected when the length field is below 2
// or when it does not account for exactly the bytes following the header.
// The protocol id is carried but never checked.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(raw))
	}
	length := Length(raw)
	if length < minLength {
		return nil, fmt.Errorf("%w: %d", ErrLengthTooShort, length)
	}
	if len(raw) != HeaderSize+length {
		return nil, fmt.Errorf("%w: length %d, frame %d bytes", ErrLengthMismatch, length, len(raw))
	}

	adu := &ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(raw[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(raw[2:4]),
		Length:        uint16(length),
		UnitID:        raw[6],
	}
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return adu, nil
}

// Encode serializes the ADU. The length field is always derived from the PDU.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	size := HeaderSize + minLength + len(adu.Pdu.Data)
	if size > MaxSize {
		return nil, fmt.Errorf("mbap: frame size '%v' must not be bigger than '%v'", size, MaxSize)
	}
	raw := make([]byte, size)

	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(minLength+len(adu.Pdu.Data)))
	raw[6] = adu.UnitID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return raw, nil
}

// Reply builds the response ADU for req, copying transaction id, protocol id and unit id.
func (adu *ApplicationDataUnit) Reply(pdu modbus.ProtocolDataUnit) *ApplicationDataUnit {
	return &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		ProtocolID:    adu.ProtocolID,
		Length:        uint16(minLength + len(pdu.Data)),
		UnitID:        adu.UnitID,
		Pdu:           pdu,
	}
}
