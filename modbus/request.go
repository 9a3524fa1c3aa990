// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// Request is a decoded request addressed to one unit. It is immutable; the
// accessors never hand out the underlying buffer.
type Request struct {
	unitID byte
	pdu    ProtocolDataUnit
}

// NewRequest validates the structure of pdu for its function code and returns
// the request. A payload shorter than the function code requires is answered
// with ExceptionCodeIllegalDataValue, so the returned error is always a *Error.
func NewRequest(unitID byte, pdu ProtocolDataUnit) (*Request, error) {
	if n := requiredDataLength(pdu.FunctionCode, pdu.Data); len(pdu.Data) < n {
		return nil, NewError(pdu.FunctionCode, ExceptionCodeIllegalDataValue)
	}
	data := make([]byte, len(pdu.Data))
	copy(data, pdu.Data)
	return &Request{
		unitID: unitID,
		pdu:    ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data},
	}, nil
}

// requiredDataLength returns the minimum data length (function code excluded)
// a request of the given function code must carry. Unknown codes need nothing.
func requiredDataLength(functionCode byte, data []byte) int {
	switch functionCode {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister:
		// Addr(2) + Quant/Val(2)
		return 4
	case FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		// Addr(2) + Quant(2) + ByteCount(1) + Data(N)
		if len(data) < 5 {
			return 5
		}
		return 5 + int(data[4])
	case FuncCodeMaskWriteRegister:
		// Addr(2) + AndMask(2) + OrMask(2)
		return 6
	case FuncCodeReadWriteMultipleRegisters:
		// ReadAddr(2) + ReadQuant(2) + WriteAddr(2) + WriteQuant(2) + ByteCount(1) + Data(N)
		if len(data) < 9 {
			return 9
		}
		return 9 + int(data[8])
	case FuncCodeReadFIFOQueue:
		return 2
	default:
		return 0
	}
}

// UnitID returns the addressed unit.
func (r *Request) UnitID() byte {
	return r.unitID
}

// FunctionCode returns the requested function code.
func (r *Request) FunctionCode() byte {
	return r.pdu.FunctionCode
}

// Data returns a copy of the function specific payload.
func (r *Request) Data() []byte {
	data := make([]byte, len(r.pdu.Data))
	copy(data, r.pdu.Data)
	return data
}

// Byte returns the payload byte at offset.
func (r *Request) Byte(offset int) (byte, error) {
	if offset < 0 || offset >= len(r.pdu.Data) {
		return 0, fmt.Errorf("modbus: offset '%v' out of range for payload length '%v'", offset, len(r.pdu.Data))
	}
	return r.pdu.Data[offset], nil
}

// Uint16 returns the big endian 16-bit value at offset.
func (r *Request) Uint16(offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(r.pdu.Data) {
		return 0, fmt.Errorf("modbus: offset '%v' out of range for payload length '%v'", offset, len(r.pdu.Data))
	}
	return binary.BigEndian.Uint16(r.pdu.Data[offset:]), nil
}

// Address returns the starting address of an address/quantity request.
func (r *Request) Address() uint16 {
	v, _ := r.Uint16(0)
	return v
}

// Quantity returns the quantity (or single value) of an address/quantity request.
func (r *Request) Quantity() uint16 {
	v, _ := r.Uint16(2)
	return v
}
