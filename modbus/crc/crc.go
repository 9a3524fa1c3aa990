// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16/MODBUS checksum (polynomial 0xA001
// reflected, initial value 0xFFFF) that terminates every RTU frame.
package crc

import "github.com/sigurn/crc16"

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC is a running CRC-16/MODBUS. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

// Reset restores the initial value.
func (crc *CRC) Reset() *CRC {
	crc.value = crc16.Init(table)
	return crc
}

// PushBytes feeds bs into the checksum.
func (crc *CRC) PushBytes(bs []byte) *CRC {
	crc.value = crc16.Update(crc.value, bs, table)
	return crc
}

// Value returns the checksum. On the wire it is sent low byte first.
func (crc *CRC) Value() uint16 {
	return crc16.Complete(crc.value, table)
}

// Checksum returns the CRC of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, table)
}

// Append appends the CRC of frame to frame, low byte first.
func Append(frame []byte) []byte {
	sum := Checksum(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

// Valid reports whether the trailing two bytes of frame are the CRC of the
// bytes before them.
func Valid(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	received := uint16(frame[n+1])<<8 | uint16(frame[n])
	return received == Checksum(frame[:n])
}
