// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16 used by Modbus RTU (polynomial 0xA001, seed 0xFFFF).
package crc

// CRC accumulates a Modbus CRC-16. The low byte is sent first on the wire.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc.value&1 != 0 {
				crc.value = crc.value>>1 ^ 0xA001
			} else {
				crc.value >>= 1
			}
		}
	}
	return crc
}

func (crc *CRC) Value() uint16 {
	return crc.value
}

// Append returns adu with its checksum appended, low byte first.
func Append(adu []byte) []byte {
	var c CRC
	sum := c.Reset().PushBytes(adu).Value()
	return append(adu, byte(sum), byte(sum>>8))
}

// Valid reports whether the last two bytes of adu are the checksum of the rest.
func Valid(adu []byte) bool {
	if len(adu) < 2 {
		return false
	}
	var c CRC
	sum := c.Reset().PushBytes(adu[:len(adu)-2]).Value()
	return uint16(adu[len(adu)-1])<<8|uint16(adu[len(adu)-2]) == sum
}
