// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrResponseTooLarge is recorded by a Response whose payload outgrew an RTU frame.
var ErrResponseTooLarge = errors.New("modbus: response exceeds maximum PDU size")

// Response is built by a worker (success) or by the dispatch engine (exception).
//
//	Success   : UnitID | FunctionCode        | ByteCount | Data...
//	Exception : UnitID | FunctionCode | 0x80 | ExceptionCode
//
// The unit id is not part of the PDU; it is kept so the transport can frame it.
type Response struct {
	unitID byte
	pdu    ProtocolDataUnit
	err    error
}

// NewResponse returns an empty response addressed like req.
func NewResponse(req *Request) *Response {
	return &Response{
		unitID: req.UnitID(),
		pdu:    ProtocolDataUnit{FunctionCode: req.FunctionCode()},
	}
}

// NewExceptionResponse returns an exception response for the given unit and function.
func NewExceptionResponse(unitID, functionCode, exceptionCode byte) *Response {
	r := &Response{unitID: unitID}
	r.SetError(unitID, functionCode, exceptionCode)
	return r
}

// AddByte appends raw bytes to the payload.
func (r *Response) AddByte(b ...byte) *Response {
	if r.err != nil {
		return r
	}
	if len(r.pdu.Data)+len(b) > MaxDataSize {
		r.err = fmt.Errorf("%w: %v bytes", ErrResponseTooLarge, len(r.pdu.Data)+len(b)+1)
		return r
	}
	r.pdu.Data = append(r.pdu.Data, b...)
	return r
}

// AddUint16 appends 16-bit values in big endian order.
func (r *Response) AddUint16(v ...uint16) *Response {
	buf := make([]byte, 2*len(v))
	for i, x := range v {
		binary.BigEndian.PutUint16(buf[2*i:], x)
	}
	return r.AddByte(buf...)
}

// SetError turns r into an exception response, discarding any payload.
func (r *Response) SetError(unitID, functionCode, exceptionCode byte) {
	r.unitID = unitID
	r.pdu = ProtocolDataUnit{
		FunctionCode: functionCode | ExceptionFlag,
		Data:         []byte{exceptionCode},
	}
	r.err = nil
}

// Err returns the error recorded while building the response, if any.
func (r *Response) Err() error {
	return r.err
}

// UnitID returns the unit the response is sent from.
func (r *Response) UnitID() byte {
	return r.unitID
}

// FunctionCode returns the response function code, exception flag included.
func (r *Response) FunctionCode() byte {
	return r.pdu.FunctionCode
}

// IsException reports whether r is an exception response.
func (r *Response) IsException() bool {
	return r.pdu.FunctionCode&ExceptionFlag != 0
}

// ExceptionCode returns the exception code of an exception response, 0 otherwise.
func (r *Response) ExceptionCode() byte {
	if !r.IsException() || len(r.pdu.Data) == 0 {
		return 0
	}
	return r.pdu.Data[0]
}

// Data returns a copy of the payload.
func (r *Response) Data() []byte {
	data := make([]byte, len(r.pdu.Data))
	copy(data, r.pdu.Data)
	return data
}

// PDU returns the response PDU.
func (r *Response) PDU() ProtocolDataUnit {
	return ProtocolDataUnit{FunctionCode: r.pdu.FunctionCode, Data: r.Data()}
}
