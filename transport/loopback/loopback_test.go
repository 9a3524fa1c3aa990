// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-server/modbus/crc"
	"github.com/ffutop/modbus-rtu-server/transport"
	"github.com/stretchr/testify/require"
)

var _ transport.Transport = (*Line)(nil)

func TestLine_RoundTrip(t *testing.T) {
	line := New()
	defer line.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := crc.Append([]byte{0x1A, 0x03, 0x00, 0x01, 0x00, 0x01})
	bad := append([]byte(nil), req...)
	bad[len(bad)-1] ^= 0xFF
	require.NoError(t, line.Request(ctx, bad))
	require.NoError(t, line.Request(ctx, req))

	frame, err := line.ReceiveFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, req, frame)
	require.Equal(t, 1, line.Dropped())

	resp := crc.Append([]byte{0x1A, 0x83, 0x02})
	require.NoError(t, line.SendFrame(ctx, resp))
	got, err := line.Reply(ctx)
	require.NoError(t, err)
	require.Equal(t, resp, got)

	events := line.Events()
	require.Len(t, events, 2)
	require.Equal(t, Received, events[0].Kind)
	require.Equal(t, Sent, events[1].Kind)
	require.False(t, events[1].At.Before(events[0].At))
}

func TestLine_Close(t *testing.T) {
	line := New()
	require.NoError(t, line.Close())
	require.NoError(t, line.Close())

	ctx := context.Background()
	_, err := line.ReceiveFrame(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, line.SendFrame(ctx, []byte{1}), transport.ErrClosed)
	require.ErrorIs(t, line.Request(ctx, []byte{1}), transport.ErrClosed)
	_, err = line.Reply(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestLine_ReceiveContext(t *testing.T) {
	line := New()
	defer line.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := line.ReceiveFrame(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
