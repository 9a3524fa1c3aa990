// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-server/internal/registry"
	"github.com/ffutop/modbus-rtu-server/internal/store"
	"github.com/ffutop/modbus-rtu-server/internal/worker"
	"github.com/ffutop/modbus-rtu-server/modbus"
	"github.com/ffutop/modbus-rtu-server/modbus/crc"
	"github.com/ffutop/modbus-rtu-server/transport/loopback"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, opts ...Option) (*Engine, *registry.Registry, *store.Counter) {
	t.Helper()
	counter := store.NewCounter(0)
	reg := registry.New()
	require.NoError(t, reg.Register(26, modbus.FuncCodeReadHoldingRegisters, worker.NewReadHoldingRegisters(counter)))
	return New(reg, opts...), reg, counter
}

func readHolding(unitID byte, address, quantity uint16) []byte {
	return crc.Append([]byte{unitID, 0x03, byte(address >> 8), byte(address), byte(quantity >> 8), byte(quantity)})
}

func TestHandle_ReadHoldingRegisters(t *testing.T) {
	e, _, counter := newEngine(t)

	reply, err := e.Handle(context.Background(), readHolding(26, 1, 8))
	require.NoError(t, err)

	want := crc.Append([]byte{
		26, 0x03, 0x10,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03,
		0x00, 0x04, 0x00, 0x05, 0x00, 0x06, 0x00, 0x07,
	})
	require.Equal(t, want, reply)
	require.Equal(t, uint16(8), counter.Value())
	require.Equal(t, ResponseBuilt, e.State())
}

func TestHandle_AddressZero(t *testing.T) {
	e, _, counter := newEngine(t)

	reply, err := e.Handle(context.Background(), readHolding(26, 0, 8))
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x83, 0x02}), reply)
	require.Equal(t, uint16(0), counter.Value())
}

func TestHandle_Silence(t *testing.T) {
	e, _, counter := newEngine(t)

	corrupt := readHolding(26, 1, 8)
	corrupt[len(corrupt)-1] ^= 0xFF

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"UnknownUnit", readHolding(99, 1, 8), ErrNotAddressed},
		{"BadCRC", corrupt, ErrMalformedFrame},
		{"Short", []byte{26, 0x03, 0x00}, ErrMalformedFrame},
		{"BroadcastDisabled", readHolding(0, 1, 8), ErrNotAddressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := e.Handle(context.Background(), tt.frame)
			require.Nil(t, reply)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, Idle, e.State())
		})
	}
	require.Equal(t, uint16(0), counter.Value())
}

func TestHandle_IllegalFunction(t *testing.T) {
	e, _, _ := newEngine(t)

	reply, err := e.Handle(context.Background(), crc.Append([]byte{26, 0x06, 0x00, 0x01, 0x00, 0x01}))
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x86, 0x01}), reply)
}

func TestHandle_IllegalFunctionBeforeStructure(t *testing.T) {
	e, _, _ := newEngine(t)

	// unregistered and too short: the function is rejected first
	reply, err := e.Handle(context.Background(), crc.Append([]byte{26, 0x10, 0x00}))
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x90, 0x01}), reply)
}

func TestHandle_IllegalDataValue(t *testing.T) {
	e, _, counter := newEngine(t)

	reply, err := e.Handle(context.Background(), crc.Append([]byte{26, 0x03, 0x00, 0x01, 0x00}))
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x83, 0x03}), reply)
	require.Equal(t, uint16(0), counter.Value())
}

func TestHandle_WorkerFailures(t *testing.T) {
	tests := []struct {
		name   string
		worker registry.WorkerFunc
		want   byte
	}{
		{"ModbusError", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			return nil, modbus.NewError(req.FunctionCode(), modbus.ExceptionCodeServerDeviceBusy)
		}, modbus.ExceptionCodeServerDeviceBusy},
		{"PlainError", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			return nil, errors.New("boom")
		}, modbus.ExceptionCodeServerDeviceFailure},
		{"Panic", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			panic("boom")
		}, modbus.ExceptionCodeServerDeviceFailure},
		{"NilResponse", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			return nil, nil
		}, modbus.ExceptionCodeServerDeviceFailure},
		{"Oversize", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			return modbus.NewResponse(req).AddByte(make([]byte, 253)...), nil
		}, modbus.ExceptionCodeServerDeviceFailure},
		{"OtherFunction", func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
			return modbus.NewExceptionResponse(req.UnitID(), 0x04, modbus.ExceptionCodeIllegalDataAddress), nil
		}, modbus.ExceptionCodeServerDeviceFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			require.NoError(t, reg.Register(26, 0x03, tt.worker))
			e := New(reg)

			reply, err := e.Handle(context.Background(), readHolding(26, 1, 1))
			require.NoError(t, err)
			require.Equal(t, crc.Append([]byte{26, 0x83, tt.want}), reply)
		})
	}
}

func TestHandle_WorkerException(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(26, 0x03, registry.WorkerFunc(func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
		return modbus.NewExceptionResponse(req.UnitID(), req.FunctionCode(), modbus.ExceptionCodeIllegalDataAddress), nil
	})))
	reply, err := New(reg).Handle(context.Background(), readHolding(26, 1, 1))
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x83, 0x02}), reply)
}

func TestHandle_CycleTimeout(t *testing.T) {
	reg := registry.New()
	var deadline time.Time
	require.NoError(t, reg.Register(26, 0x03, registry.WorkerFunc(func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
		deadline, _ = ctx.Deadline()
		time.Sleep(30 * time.Millisecond)
		return modbus.NewResponse(req).AddByte(2).AddUint16(1), nil
	})))
	e := New(reg, WithTimeout(10*time.Millisecond))

	start := time.Now()
	reply, err := e.Handle(context.Background(), readHolding(26, 1, 1))
	require.Nil(t, reply)
	require.ErrorIs(t, err, ErrCycleTimeout)
	require.WithinDuration(t, start.Add(10*time.Millisecond), deadline, 5*time.Millisecond)
}

func TestHandle_Broadcast(t *testing.T) {
	counter := store.NewCounter(0)
	other := store.NewCounter(100)
	reg := registry.New()
	require.NoError(t, reg.Register(26, 0x03, worker.NewReadHoldingRegisters(counter)))
	require.NoError(t, reg.Register(27, 0x03, worker.NewReadHoldingRegisters(other)))
	e := New(reg, WithBroadcast(true))

	reply, err := e.Handle(context.Background(), readHolding(0, 1, 4))
	require.Nil(t, reply)
	require.ErrorIs(t, err, ErrBroadcast)
	require.Equal(t, uint16(4), counter.Value())
	require.Equal(t, uint16(104), other.Value())
}

func TestCycle(t *testing.T) {
	e, _, _ := newEngine(t)
	line := loopback.New()
	defer line.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = line.Request(ctx, readHolding(99, 1, 1))
		_ = line.Request(ctx, readHolding(26, 0, 1))
	}()

	// the frame for unit 99 is consumed without a reply
	require.NoError(t, e.Cycle(ctx, line))
	require.NoError(t, e.Cycle(ctx, line))
	require.Equal(t, Idle, e.State())

	reply, err := line.Reply(ctx)
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x83, 0x02}), reply)
}

func TestCycle_TransportClosed(t *testing.T) {
	e, _, _ := newEngine(t)
	line := loopback.New()
	line.Close()

	require.Error(t, e.Cycle(context.Background(), line))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "worker invoked", WorkerInvoked.String())
	require.Equal(t, "sent", Sent.String())
	require.Equal(t, "unknown", State(42).String())
}
