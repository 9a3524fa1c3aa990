// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package loopback provides an in-memory serial line for tests and
// simulations. The server side implements transport.Transport; the master
// side injects request frames and collects replies.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-server/modbus/crc"
	"github.com/ffutop/modbus-rtu-server/transport"
)

// EventKind tells which way a frame crossed the line.
type EventKind int

const (
	// Received marks a frame handed to the server.
	Received EventKind = iota
	// Sent marks a frame the server put on the line.
	Sent
)

// Event is one frame crossing the line, as seen by the server.
type Event struct {
	Kind  EventKind
	Frame []byte
	At    time.Time
}

// Line is an in-memory half-duplex line between one master and the server.
type Line struct {
	requests chan []byte
	replies  chan []byte

	mu      sync.Mutex
	events  []Event
	dropped int

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a line with room for a few queued requests.
func New() *Line {
	return &Line{
		requests: make(chan []byte, 16),
		replies:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// Request puts a raw frame on the line as the master.
func (l *Line) Request(ctx context.Context, frame []byte) error {
	data := append([]byte(nil), frame...)
	if l.isClosed() {
		return transport.ErrClosed
	}
	select {
	case <-l.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.requests <- data:
		return nil
	}
}

// Reply waits for the next frame sent by the server.
func (l *Line) Reply(ctx context.Context) ([]byte, error) {
	if l.isClosed() {
		return nil, transport.ErrClosed
	}
	select {
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-l.replies:
		return frame, nil
	}
}

// ReceiveFrame implements transport.Transport. Frames with a bad checksum
// are counted and discarded.
func (l *Line) ReceiveFrame(ctx context.Context) ([]byte, error) {
	for {
		if l.isClosed() {
			return nil, transport.ErrClosed
		}
		select {
		case <-l.closed:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame := <-l.requests:
			if !crc.Valid(frame) {
				l.mu.Lock()
				l.dropped++
				l.mu.Unlock()
				continue
			}
			l.record(Received, frame)
			return frame, nil
		}
	}
}

// SendFrame implements transport.Transport.
func (l *Line) SendFrame(ctx context.Context, frame []byte) error {
	data := append([]byte(nil), frame...)
	if l.isClosed() {
		return transport.ErrClosed
	}
	// recorded before delivery so a master holding the reply sees the event
	l.record(Sent, data)
	select {
	case <-l.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.replies <- data:
		return nil
	}
}

// Close closes the line for both sides.
func (l *Line) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Events returns the frames seen by the server so far, in order.
func (l *Line) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Dropped returns the number of frames discarded for a bad checksum.
func (l *Line) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Line) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *Line) record(kind EventKind, frame []byte) {
	l.mu.Lock()
	l.events = append(l.events, Event{Kind: kind, Frame: frame, At: time.Now()})
	l.mu.Unlock()
}
