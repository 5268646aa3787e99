// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "fmt"

// Function codes served by the gateway.
const (
	FuncCodeReadCoils       = 0x01
	FuncCodeWriteSingleCoil = 0x05
)

// Coil values for Write Single Coil.
const (
	CoilOff uint16 = 0x0000
	CoilOn  uint16 = 0xFF00
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

func (pdu ProtocolDataUnit) String() string {
	return fmt.Sprintf("func=0x%02X data=% X", pdu.FunctionCode, pdu.Data)
}
