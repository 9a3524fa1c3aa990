// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

/*
Package modbus holds the protocol data model shared by the RTU server:
function codes, exception codes, the PDU and the request/response messages
exchanged between the dispatch engine and workers.
*/
package modbus

import "fmt"

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 0x01
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 0x02
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 0x03
	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 0x04
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 0x05
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 0x06
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 0x0F
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 0x10
	// FuncCodeMaskWriteRegister 16-bit wise access
	FuncCodeMaskWriteRegister = 0x16
	// FuncCodeReadWriteMultipleRegisters 16-bit wise access
	FuncCodeReadWriteMultipleRegisters = 0x17
	// FuncCodeReadFIFOQueue 16-bit wise access
	FuncCodeReadFIFOQueue = 0x18
)

const (
	// ExceptionCodeIllegalFunction error code
	ExceptionCodeIllegalFunction = 0x01
	// ExceptionCodeIllegalDataAddress error code
	ExceptionCodeIllegalDataAddress = 0x02
	// ExceptionCodeIllegalDataValue error code
	ExceptionCodeIllegalDataValue = 0x03
	// ExceptionCodeServerDeviceFailure error code
	ExceptionCodeServerDeviceFailure = 0x04
	// ExceptionCodeAcknowledge error code
	ExceptionCodeAcknowledge = 0x05
	// ExceptionCodeServerDeviceBusy error code
	ExceptionCodeServerDeviceBusy = 0x06
	// ExceptionCodeMemoryParityError error code
	ExceptionCodeMemoryParityError = 0x08
	// ExceptionCodeGatewayPathUnavailable error code
	ExceptionCodeGatewayPathUnavailable = 0x0A
	// ExceptionCodeGatewayTargetDeviceFailedToRespond error code
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

const (
	// ExceptionFlag is set on the function code of an exception response.
	ExceptionFlag = 0x80

	// BroadcastID addresses every server on the bus. Broadcasts are never answered.
	BroadcastID = 0x00

	// MaxPDUSize is the largest PDU (function code + data) an RTU frame can carry.
	MaxPDUSize = 253
	// MaxDataSize is MaxPDUSize minus the function code.
	MaxDataSize = MaxPDUSize - 1
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Error is a modbus exception. Workers return it to have the dispatch engine
// answer with an exception response carrying ExceptionCode.
type Error struct {
	FunctionCode  byte
	ExceptionCode byte
}

// NewError returns an exception for the given function code.
func NewError(functionCode, exceptionCode byte) *Error {
	return &Error{FunctionCode: functionCode, ExceptionCode: exceptionCode}
}

// Error converts known modbus exception code to error message.
func (e *Error) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	case ExceptionCodeAcknowledge:
		name = "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		name = "server device busy"
	case ExceptionCodeMemoryParityError:
		name = "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode)
}
