// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned once a Transport has been closed or its line is gone.
var ErrClosed = errors.New("transport: closed")

// Transport is the byte level side of a Modbus server on a shared line.
//
// ReceiveFrame blocks until a complete frame with a valid checksum arrives.
// Corrupted, truncated or overrun frames are discarded inside the transport
// and never surface to the caller. SendFrame puts an already framed ADU
// (checksum included) on the line, honouring the line turnaround.
type Transport interface {
	ReceiveFrame(ctx context.Context) ([]byte, error)
	SendFrame(ctx context.Context, frame []byte) error
	Close() error
}
