// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the smallest frame: SlaveID + FunctionCode + CRC(2).
	MinSize = 4
	// MaxSize is the largest RTU ADU: SlaveID + PDU(253) + CRC(2).
	MaxSize = 256

	// ExceptionSize is SlaveID + FunctionCode + ExceptionCode + CRC(2).
	ExceptionSize = 5
)

// Character and frame timing in microseconds. Above 19200 baud the
// line uses fixed values instead of scaling with the baud rate.
const (
	fixedCharacterDelay = 750
	fixedFrameDelay     = 1750
	fixedBaudRateLimit  = 19200

	// 11 bits per character (start, 8 data, parity/stop, stop); 3.5
	// characters and 1 character expressed as bits * 1e6.
	frameDelayBits = 35000000
	characterBits  = 11000000
)
