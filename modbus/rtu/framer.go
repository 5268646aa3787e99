// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/plug-modbus-gateway/modbus"
	"github.com/ffutop/plug-modbus-gateway/modbus/crc"
)

// HeaderSize returns how many bytes must be read before the request length is known.
func HeaderSize(funcCode byte) int {
	switch funcCode {
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegister:
		return headerSize
	default:
		return fixedRequestSize - 2
	}
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegister,
		FuncCodeReadInputRegister,
		FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister:
		return fixedRequestSize, nil
	case FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegister:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < headerSize {
			return 0, fmt.Errorf("need %d bytes to determine length for 0x%02X, got %d", headerSize, funcCode, len(header))
		}
		return headerSize + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// Decode checks the CRC of a complete request ADU and splits it into slave id and PDU.
func Decode(raw []byte) (byte, modbus.ProtocolDataUnit, error) {
	if len(raw) < MinSize {
		return 0, modbus.ProtocolDataUnit{}, fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), MinSize)
	}
	if !crc.Valid(raw) {
		return 0, modbus.ProtocolDataUnit{}, fmt.Errorf("modbus: crc mismatch in % X", raw)
	}
	data := make([]byte, len(raw)-4)
	copy(data, raw[2:len(raw)-2])
	return raw[0], modbus.ProtocolDataUnit{FunctionCode: raw[1], Data: data}, nil
}

// Encode frames a response PDU as [SlaveID] [Func] [Data] [CRC].
func Encode(slaveID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + MinSize
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, 2, length)
	raw[0] = slaveID
	raw[1] = pdu.FunctionCode
	raw = append(raw, pdu.Data...)
	return crc.Append(raw), nil
}
