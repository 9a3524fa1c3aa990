// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu-server/internal/config"
	"github.com/ffutop/modbus-rtu-server/modbus/crc"
	rtupacket "github.com/ffutop/modbus-rtu-server/modbus/rtu"
	"github.com/ffutop/modbus-rtu-server/transport"
	"golang.org/x/time/rate"
)

// Transport is the slave side of a Modbus RTU serial line. It owns the port
// exclusively: a reader goroutine pumps bytes off the line, ReceiveFrame cuts
// them into frames by inter-byte silence and SendFrame writes replies while
// the receive path is held off.
type Transport struct {
	Config config.SerialConfig
	Logger *slog.Logger

	serialPort

	frameDelay time.Duration
	chunks     chan chunk
	startOnce  sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	readErr    atomic.Value

	// line state, shared by ReceiveFrame and SendFrame
	lineMu    sync.Mutex
	lastRx    time.Time
	txStart   time.Time
	rxHoldoff time.Time

	// chunk that began the next frame, owned by the ReceiveFrame caller
	pushback *chunk

	dropped atomic.Uint64
	dropLog *rate.Limiter
}

// chunk is one read off the line with its arrival time.
type chunk struct {
	data []byte
	at   time.Time
}

// NewTransport creates a new RTU Transport. The port is opened by Connect.
func NewTransport(cfg config.SerialConfig) *Transport {
	t := &Transport{
		Config:  cfg,
		Logger:  slog.Default(),
		chunks:  make(chan chunk, 16),
		done:    make(chan struct{}),
		dropLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	t.serialPort.Config = newSerialConfig(cfg)
	t.frameDelay = cfg.FrameDelay
	if t.frameDelay <= 0 {
		t.frameDelay = rtupacket.FrameDelay(cfg.BaudRate)
	}
	return t
}

// Connect opens the serial port and starts listening on it.
func (t *Transport) Connect(ctx context.Context) error {
	port, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.startOnce.Do(func() {
		t.Logger.Info("RTU Server listening", "device", t.Config.Device, "baudRate", t.Config.BaudRate, "frameDelay", t.frameDelay)
		go t.pump(port)
	})
	return nil
}

// Dropped returns the number of frames discarded so far.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Transport) pump(port io.Reader) {
	defer close(t.chunks)
	buf := make([]byte, rtupacket.MaxSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case t.chunks <- chunk{data: data, at: time.Now()}:
			case <-t.done:
				return
			}
		}
		if err == nil {
			continue
		}
		select {
		case <-t.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			t.readErr.Store(err)
			return
		}
		// Read timeouts are routine on an idle line.
		if n == 0 {
			time.Sleep(t.frameDelay)
		}
	}
}

// ReceiveFrame blocks until a frame with a valid CRC is received.
func (t *Transport) ReceiveFrame(ctx context.Context) ([]byte, error) {
	for {
		frame, err := t.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case len(frame) > rtupacket.MaxSize:
			t.drop("overrun", frame)
		case len(frame) < rtupacket.MinSize:
			t.drop("truncated", frame)
		case !crc.Valid(frame):
			t.drop("crc mismatch", frame)
		default:
			return frame, nil
		}
	}
}

// readFrame collects bytes until the line has been silent for the frame
// delay or a complete request has been received. Silence is measured between
// arrival times, so bytes that queued up while nobody was reading are still
// split where the line went quiet.
func (t *Transport) readFrame(ctx context.Context) ([]byte, error) {
	var (
		frame    []byte
		last     time.Time
		silence  *time.Timer
		silenceC <-chan time.Time
	)
	defer func() {
		if silence != nil {
			silence.Stop()
		}
	}()

	for {
		var c chunk
		if t.pushback != nil {
			c, t.pushback = *t.pushback, nil
		} else {
			var ok bool
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.done:
				return nil, transport.ErrClosed
			case c, ok = <-t.chunks:
			case <-silenceC:
				// bytes already queued are judged by their arrival time
				select {
				case c, ok = <-t.chunks:
				default:
					return frame, nil
				}
			}
			if !ok {
				// end of stream terminates the pending frame
				if len(frame) > 0 {
					return frame, nil
				}
				return nil, t.closedErr()
			}
			if t.heldOff(c.at) {
				continue
			}
		}

		if len(frame) > 0 && c.at.Sub(last) >= t.frameDelay {
			t.pushback = &c
			return frame, nil
		}
		last = c.at

		// Keep one byte past MaxSize so an overrun is recognisable.
		if room := rtupacket.MaxSize + 1 - len(frame); room > 0 {
			if len(c.data) > room {
				c.data = c.data[:room]
			}
			frame = append(frame, c.data...)
		}
		if complete(frame) {
			return frame, nil
		}

		if silence != nil {
			silence.Stop()
		}
		silence = time.NewTimer(t.frameDelay - time.Since(last))
		silenceC = silence.C
	}
}

// complete reports whether frame holds exactly the bytes a request header
// announces and carries a valid checksum at that length. Other traffic on the
// bus, such as responses of other slaves, is left to the silence timer.
func complete(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n, err := rtupacket.CalculateRequestLength(frame[1], frame)
	return err == nil && len(frame) == n && crc.Valid(frame)
}

// heldOff records the arrival and reports whether the bytes belong to our
// own transmission and must be ignored.
func (t *Transport) heldOff(at time.Time) bool {
	t.lineMu.Lock()
	defer t.lineMu.Unlock()

	if !at.Before(t.txStart) && at.Before(t.rxHoldoff) {
		return true
	}
	t.lastRx = at
	return false
}

// SendFrame writes frame once the line has been silent for the frame delay.
// Receiving is suspended while the frame is on the line.
func (t *Transport) SendFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return transport.ErrClosed
	}

	t.lineMu.Lock()
	defer t.lineMu.Unlock()

	if wait := time.Until(t.lastRx.Add(t.frameDelay)); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	busy := rtupacket.TransmitDelay(t.Config.BaudRate, len(frame), t.frameDelay)
	t.txStart = time.Now()
	t.rxHoldoff = t.txStart.Add(busy)
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	// the line is busy until the last character left the UART
	t.rxHoldoff = time.Now().Add(busy)
	return nil
}

// Close stops the reader and closes the serial port.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.close()
	})
	return err
}

func (t *Transport) closedErr() error {
	if err, ok := t.readErr.Load().(error); ok {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return transport.ErrClosed
}

func (t *Transport) drop(reason string, frame []byte) {
	n := t.dropped.Add(1)
	t.Logger.Debug("Discarding frame", "reason", reason, "length", len(frame), "frame", hex.EncodeToString(frame))
	if t.dropLog.Allow() {
		t.Logger.Warn("Discarding frames from the bus", "reason", reason, "dropped", n, "device", t.Config.Device)
	}
}
