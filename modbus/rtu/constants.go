// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	// fixedRequestSize covers [SlaveID, Func, Addr(2), Val(2), CRC(2)].
	fixedRequestSize = 8
	// headerSize reaches the byte count of the write-multiple requests.
	headerSize = 7
)

// Function Codes a master may put on the bus. Only read coils and write single coil
// are served; the others are still framed so they can be skipped cleanly.
const (
	FuncCodeReadCoils           = 0x01
	FuncCodeReadDiscreteInputs  = 0x02
	FuncCodeReadHoldingRegister = 0x03
	FuncCodeReadInputRegister   = 0x04

	FuncCodeWriteSingleCoil       = 0x05
	FuncCodeWriteSingleRegister   = 0x06
	FuncCodeWriteMultipleCoils    = 0x0F
	FuncCodeWriteMultipleRegister = 0x10
)
