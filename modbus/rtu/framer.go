// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"time"

	"github.com/ffutop/modbus-rtu-server/modbus"
)

// ErrNeedMoreHeader is returned by CalculateRequestLength while the header is
// too short to know the length of a variable sized request.
var ErrNeedMoreHeader = errors.New("modbus: header too short to determine length")

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("%w: need 7 bytes for 0x%02X, got %d", ErrNeedMoreHeader, funcCode, len(header))
		}
		return 7 + int(header[6]) + 2, nil
	case modbus.FuncCodeMaskWriteRegister:
		// [SlaveID, Func, Addr(2), AndMask(2), OrMask(2), CRC(2)]
		return 10, nil
	case modbus.FuncCodeReadWriteMultipleRegisters:
		// [SlaveID, Func, RAddr(2), RQuant(2), WAddr(2), WQuant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 11 {
			return 0, fmt.Errorf("%w: need 11 bytes for 0x%02X, got %d", ErrNeedMoreHeader, funcCode, len(header))
		}
		return 11 + int(header[10]) + 2, nil
	case modbus.FuncCodeReadFIFOQueue:
		// [SlaveID, Func, Addr(2), CRC(2)]
		return 6, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// CharacterTime returns the time one 11-bit character occupies the line.
func CharacterTime(baudRate int) time.Duration {
	if baudRate <= 0 {
		return fixedCharacterDelay * time.Microsecond
	}
	return time.Duration(characterBits/baudRate) * time.Microsecond
}

// FrameDelay returns the 3.5 character silence that separates frames.
func FrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > fixedBaudRateLimit {
		return fixedFrameDelay * time.Microsecond
	}
	return time.Duration(frameDelayBits/baudRate) * time.Microsecond
}

// TransmitDelay returns how long the line is busy sending chars characters,
// followed by frameDelay. A zero frameDelay uses FrameDelay(baudRate).
func TransmitDelay(baudRate, chars int, frameDelay time.Duration) time.Duration {
	if frameDelay <= 0 {
		frameDelay = FrameDelay(baudRate)
	}
	return CharacterTime(baudRate)*time.Duration(chars) + frameDelay
}
