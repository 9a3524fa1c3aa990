// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-server/internal/registry"
	"github.com/ffutop/modbus-rtu-server/internal/store"
	"github.com/ffutop/modbus-rtu-server/internal/worker"
	"github.com/ffutop/modbus-rtu-server/modbus"
	"github.com/ffutop/modbus-rtu-server/modbus/crc"
	"github.com/ffutop/modbus-rtu-server/transport"
	"github.com/ffutop/modbus-rtu-server/transport/loopback"
	"github.com/stretchr/testify/require"
)

func readHolding(unitID byte, address, quantity uint16) []byte {
	return crc.Append([]byte{unitID, 0x03, byte(address >> 8), byte(address), byte(quantity >> 8), byte(quantity)})
}

func startServer(t *testing.T, opts ...Option) (*Server, *loopback.Line, *store.Counter) {
	t.Helper()
	line := loopback.New()
	counter := store.NewCounter(0)
	s := New(line, opts...)
	require.NoError(t, s.RegisterWorker(26, modbus.FuncCodeReadHoldingRegisters, worker.NewReadHoldingRegisters(counter)))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, line, counter
}

func TestServer_ServesRequests(t *testing.T) {
	_, line, counter := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, line.Request(ctx, readHolding(26, 1, 8)))
	reply, err := line.Reply(ctx)
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{
		26, 0x03, 0x10,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03,
		0x00, 0x04, 0x00, 0x05, 0x00, 0x06, 0x00, 0x07,
	}), reply)

	require.NoError(t, line.Request(ctx, readHolding(26, 0, 8)))
	reply, err = line.Reply(ctx)
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x83, 0x02}), reply)
	require.Equal(t, uint16(8), counter.Value())
}

func TestServer_SilentFrames(t *testing.T) {
	_, line, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	corrupt := readHolding(26, 1, 8)
	corrupt[2] ^= 0x01
	require.NoError(t, line.Request(ctx, readHolding(99, 1, 8)))
	require.NoError(t, line.Request(ctx, corrupt))
	// a valid request after the silent ones is answered normally
	require.NoError(t, line.Request(ctx, readHolding(26, 1, 1)))

	reply, err := line.Reply(ctx)
	require.NoError(t, err)
	require.Equal(t, crc.Append([]byte{26, 0x03, 0x02, 0x00, 0x00}), reply)
	require.Equal(t, 1, line.Dropped())

	quiet, cancelQuiet := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelQuiet()
	_, err = line.Reply(quiet)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_ProcessesFramesInOrder(t *testing.T) {
	line := loopback.New()
	s := New(line)

	var inFlight, overlaps atomic.Int32
	slow := registry.WorkerFunc(func(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inFlight.Add(-1)
		time.Sleep(5 * time.Millisecond)
		return modbus.NewResponse(req).AddByte(2).AddUint16(req.Address()), nil
	})
	require.NoError(t, s.RegisterWorker(26, 0x03, slow))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 5
	for i := 1; i <= n; i++ {
		require.NoError(t, line.Request(ctx, readHolding(26, uint16(i), 1)))
	}
	for i := 1; i <= n; i++ {
		reply, err := line.Reply(ctx)
		require.NoError(t, err)
		require.Equal(t, crc.Append([]byte{26, 0x03, 0x02, 0x00, byte(i)}), reply)
	}
	require.Zero(t, overlaps.Load())

	// every reply follows its own request before the next one is taken
	events := line.Events()
	require.Len(t, events, 2*n)
	for i, ev := range events {
		if i%2 == 0 {
			require.Equal(t, loopback.Received, ev.Kind)
		} else {
			require.Equal(t, loopback.Sent, ev.Kind)
		}
	}
}

func TestServer_StartIsIdempotent(t *testing.T) {
	s, line, _ := startServer(t)

	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.ErrorIs(t, s.RegisterWorker(27, 0x03, worker.NewReadHoldingRegisters(store.NewCounter(0))), ErrStarted)

	// still exactly one loop answering
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, line.Request(ctx, readHolding(26, 1, 1)))
	_, err := line.Reply(ctx)
	require.NoError(t, err)
}

func TestServer_RegisterErrors(t *testing.T) {
	s := New(loopback.New())
	w := worker.NewReadHoldingRegisters(store.NewCounter(0))
	require.NoError(t, s.RegisterWorker(26, 0x03, w))
	require.ErrorIs(t, s.RegisterWorker(26, 0x03, w), registry.ErrAlreadyRegistered)
	require.ErrorIs(t, s.RegisterWorker(0, 0x03, w), registry.ErrInvalidUnit)
}

func TestServer_Close(t *testing.T) {
	s, line, _ := startServer(t)

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.NoError(t, s.Err())
	require.ErrorIs(t, line.Request(context.Background(), readHolding(26, 1, 1)), transport.ErrClosed)
	require.NoError(t, s.Close())
}

func TestServer_CloseWithoutStart(t *testing.T) {
	s := New(loopback.New())
	require.NoError(t, s.Close())
	<-s.Done()
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestServer_StopsWhenTransportCloses(t *testing.T) {
	s, line, _ := startServer(t)

	line.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.ErrorIs(t, s.Err(), transport.ErrClosed)
}

func TestServer_ContextCancel(t *testing.T) {
	line := loopback.New()
	s := New(line)
	require.NoError(t, s.RegisterWorker(26, 0x03, worker.NewReadHoldingRegisters(store.NewCounter(0))))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())
}
