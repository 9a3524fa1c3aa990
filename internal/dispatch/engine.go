// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package dispatch turns received RTU frames into replies by running the
// worker registered for the addressed unit and function code.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu-server/internal/registry"
	"github.com/ffutop/modbus-rtu-server/modbus"
	"github.com/ffutop/modbus-rtu-server/modbus/rtu"
	"github.com/ffutop/modbus-rtu-server/transport"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds one request to response cycle.
const DefaultTimeout = 2000 * time.Millisecond

// Reasons for not answering a frame. None of them is sent on the wire.
var (
	ErrMalformedFrame = errors.New("dispatch: malformed frame")
	ErrNotAddressed   = errors.New("dispatch: frame not addressed to this server")
	ErrCycleTimeout   = errors.New("dispatch: response budget exceeded")
	ErrBroadcast      = errors.New("dispatch: broadcast request, no reply")
)

var errWorkerPanic = errors.New("dispatch: worker panicked")

// Engine is not safe for concurrent use; one goroutine drives it.
type Engine struct {
	registry  *registry.Registry
	timeout   time.Duration
	broadcast bool
	logger    *slog.Logger
	failLog   *rate.Limiter

	state atomic.Int32
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the cycle budget. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBroadcast enables execution of requests sent to unit id 0.
func WithBroadcast(enabled bool) Option {
	return func(e *Engine) { e.broadcast = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine dispatching to the workers in reg.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		failLog:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the cycle budget.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// State returns the current cycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) transition(s State) {
	e.state.Store(int32(s))
}

// Cycle receives one frame from tr, handles it and sends the reply, if any.
// Frames that are not answered are not errors; only transport failures are
// returned.
func (e *Engine) Cycle(ctx context.Context, tr transport.Transport) error {
	e.transition(Idle)
	frame, err := tr.ReceiveFrame(ctx)
	if err != nil {
		return err
	}
	start := time.Now()

	reply, err := e.Handle(ctx, frame)
	if err != nil {
		e.logger.Debug("No reply", "reason", err)
		e.transition(Idle)
		return nil
	}

	sendCtx, cancel := context.WithDeadline(ctx, start.Add(e.timeout))
	defer cancel()
	if err := tr.SendFrame(sendCtx, reply); err != nil {
		e.transition(Idle)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("Reply abandoned", "reason", ErrCycleTimeout)
			return nil
		}
		return fmt.Errorf("failed to send reply: %w", err)
	}
	e.transition(Sent)
	e.transition(Idle)
	return nil
}

// Handle processes one received frame and returns the reply frame. When the
// frame must not be answered, Handle returns a nil frame and an error that
// says why.
func (e *Engine) Handle(ctx context.Context, frame []byte) ([]byte, error) {
	start := time.Now()
	e.transition(FrameReceived)

	adu, err := rtu.Decode(frame)
	if err != nil {
		e.transition(Idle)
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if adu.SlaveID == modbus.BroadcastID {
		defer e.transition(Idle)
		if !e.broadcast {
			return nil, fmt.Errorf("%w: broadcast disabled", ErrNotAddressed)
		}
		e.runBroadcast(ctx, start, adu.Pdu)
		return nil, ErrBroadcast
	}
	if !e.registry.Serves(adu.SlaveID) {
		e.transition(Idle)
		return nil, fmt.Errorf("%w: unit %d", ErrNotAddressed, adu.SlaveID)
	}

	resp := e.serve(ctx, start, adu.SlaveID, adu.Pdu)
	if elapsed := time.Since(start); elapsed > e.timeout {
		e.transition(Idle)
		return nil, fmt.Errorf("%w: %v > %v", ErrCycleTimeout, elapsed, e.timeout)
	}

	raw, err := rtu.EncodeResponse(resp)
	if err != nil {
		e.warn("Response could not be encoded", adu.SlaveID, adu.Pdu.FunctionCode, err)
		raw, err = rtu.EncodeResponse(modbus.NewExceptionResponse(adu.SlaveID, adu.Pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure))
		if err != nil {
			e.transition(Idle)
			return nil, err
		}
	}
	e.transition(ResponseBuilt)
	return raw, nil
}

// serve runs the worker for one unit and always yields a response to send.
func (e *Engine) serve(ctx context.Context, start time.Time, unitID byte, pdu modbus.ProtocolDataUnit) *modbus.Response {
	fc := pdu.FunctionCode
	w, err := e.registry.Lookup(unitID, fc)
	if err != nil {
		return modbus.NewExceptionResponse(unitID, fc, modbus.ExceptionCodeIllegalFunction)
	}
	req, err := modbus.NewRequest(unitID, pdu)
	if err != nil {
		return modbus.NewExceptionResponse(unitID, fc, exceptionCode(err))
	}
	e.transition(Validated)

	ctx, cancel := context.WithDeadline(ctx, start.Add(e.timeout))
	defer cancel()
	e.transition(WorkerInvoked)
	resp, err := invoke(ctx, w, req)
	if err != nil {
		var mbErr *modbus.Error
		if !errors.As(err, &mbErr) {
			e.warn("Worker failed", unitID, fc, err)
		}
		return modbus.NewExceptionResponse(unitID, fc, exceptionCode(err))
	}
	if err := validResponse(req, resp); err != nil {
		e.warn("Worker returned an invalid response", unitID, fc, err)
		return modbus.NewExceptionResponse(unitID, fc, modbus.ExceptionCodeServerDeviceFailure)
	}
	return resp
}

func (e *Engine) runBroadcast(ctx context.Context, start time.Time, pdu modbus.ProtocolDataUnit) {
	for _, unitID := range e.registry.Units(pdu.FunctionCode) {
		resp := e.serve(ctx, start, unitID, pdu)
		if resp.IsException() {
			e.logger.Debug("Broadcast request failed", "unitId", unitID, "functionCode", pdu.FunctionCode, "exceptionCode", resp.ExceptionCode())
		}
	}
}

func (e *Engine) warn(msg string, unitID, fc byte, err error) {
	e.logger.Debug(msg, "unitId", unitID, "functionCode", fc, "error", err)
	if e.failLog.Allow() {
		e.logger.Warn(msg, "unitId", unitID, "functionCode", fc, "error", err)
	}
}

func invoke(ctx context.Context, w registry.Worker, req *modbus.Request) (resp *modbus.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
	}()
	return w.Serve(ctx, req)
}

func validResponse(req *modbus.Request, resp *modbus.Response) error {
	switch {
	case resp == nil:
		return errors.New("nil response")
	case resp.Err() != nil:
		return resp.Err()
	case resp.UnitID() != req.UnitID():
		return fmt.Errorf("response for unit %d", resp.UnitID())
	case resp.FunctionCode()&^modbus.ExceptionFlag != req.FunctionCode():
		return fmt.Errorf("response for function 0x%02X", resp.FunctionCode())
	case resp.IsException() && resp.ExceptionCode() == 0:
		return errors.New("exception response without code")
	}
	return nil
}

// exceptionCode maps a worker or decode error to the code sent on the wire.
func exceptionCode(err error) byte {
	var mbErr *modbus.Error
	if errors.As(err, &mbErr) && mbErr.ExceptionCode != 0 {
		return mbErr.ExceptionCode
	}
	return modbus.ExceptionCodeServerDeviceFailure
}
