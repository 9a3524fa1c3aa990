// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package worker contains the request handlers registered with the server.
package worker

import (
	"context"
	"fmt"

	"github.com/ffutop/modbus-rtu-server/internal/store"
	"github.com/ffutop/modbus-rtu-server/modbus"
)

// MaxReadQuantity is the largest register count one read response can carry.
const MaxReadQuantity = 125

// ReadRegisters serves read holding registers (0x03) or read input registers
// (0x04) from a register store.
type ReadRegisters struct {
	FunctionCode byte
	Store        store.HoldingRegisters
}

// NewReadHoldingRegisters returns a 0x03 worker reading from s.
func NewReadHoldingRegisters(s store.HoldingRegisters) *ReadRegisters {
	return &ReadRegisters{FunctionCode: modbus.FuncCodeReadHoldingRegisters, Store: s}
}

// NewReadInputRegisters returns a 0x04 worker reading from s.
func NewReadInputRegisters(s store.HoldingRegisters) *ReadRegisters {
	return &ReadRegisters{FunctionCode: modbus.FuncCodeReadInputRegisters, Store: s}
}

// Serve answers with a byte count followed by the register values.
//
// Address 0 is rejected along with an empty or out of range window, all with
// ILLEGAL_DATA_ADDRESS.
func (w *ReadRegisters) Serve(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
	if req.FunctionCode() != w.FunctionCode {
		return nil, modbus.NewError(req.FunctionCode(), modbus.ExceptionCodeIllegalFunction)
	}
	address := req.Address()
	quantity := req.Quantity()

	if address == 0 || quantity == 0 || int(address)+int(quantity) > store.MaxAddress+1 {
		return nil, modbus.NewError(req.FunctionCode(), modbus.ExceptionCodeIllegalDataAddress)
	}
	if quantity > MaxReadQuantity {
		return nil, modbus.NewError(req.FunctionCode(), modbus.ExceptionCodeIllegalDataValue)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values, err := w.Store.ReadRegisters(address, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d registers at %d: %w", quantity, address, err)
	}
	resp := modbus.NewResponse(req).AddByte(byte(2 * len(values))).AddUint16(values...)
	return resp, resp.Err()
}
