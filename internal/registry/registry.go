// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ffutop/modbus-rtu-server/modbus"
)

var (
	ErrAlreadyRegistered = errors.New("registry: worker already registered")
	ErrLocked            = errors.New("registry: locked, dispatch has started")
	ErrNilWorker         = errors.New("registry: nil worker")
	ErrInvalidUnit       = errors.New("registry: unit id must be within 1..247")
	ErrUnitNotFound      = errors.New("registry: unit id not served")
	ErrFunctionNotFound  = errors.New("registry: function code not served")
)

// Worker serves one function code for one unit. It runs on the dispatch
// goroutine, so it must return quickly and must not keep req after returning.
//
// A *modbus.Error result is answered with that exception code; any other
// error is answered with ExceptionCodeServerDeviceFailure.
type Worker interface {
	Serve(ctx context.Context, req *modbus.Request) (*modbus.Response, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, req *modbus.Request) (*modbus.Response, error)

// Serve calls f(ctx, req).
func (f WorkerFunc) Serve(ctx context.Context, req *modbus.Request) (*modbus.Response, error) {
	return f(ctx, req)
}

// MaxUnitID is the highest addressable unit id on a serial line.
const MaxUnitID = 247

type key struct {
	unitID       byte
	functionCode byte
}

// Registry maps (unit id, function code) to workers. Workers are registered
// before dispatch starts; Lock makes the registry read-only.
type Registry struct {
	mu      sync.RWMutex
	workers map[key]Worker
	units   map[byte]int
	locked  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[key]Worker),
		units:   make(map[byte]int),
	}
}

// Register binds w to (unitID, functionCode). An existing binding is never replaced.
func (r *Registry) Register(unitID, functionCode byte, w Worker) error {
	if w == nil {
		return ErrNilWorker
	}
	if unitID == modbus.BroadcastID || unitID > MaxUnitID {
		return fmt.Errorf("%w: %d", ErrInvalidUnit, unitID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return ErrLocked
	}
	k := key{unitID: unitID, functionCode: functionCode}
	if _, ok := r.workers[k]; ok {
		return fmt.Errorf("%w: unit %d function 0x%02X", ErrAlreadyRegistered, unitID, functionCode)
	}
	r.workers[k] = w
	r.units[unitID]++
	return nil
}

// Lock makes the registry read-only.
func (r *Registry) Lock() {
	r.mu.Lock()
	r.locked = true
	r.mu.Unlock()
}

// Locked reports whether Lock has been called.
func (r *Registry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Lookup returns the worker for (unitID, functionCode).
func (r *Registry) Lookup(unitID, functionCode byte) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.units[unitID] == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnitNotFound, unitID)
	}
	w, ok := r.workers[key{unitID: unitID, functionCode: functionCode}]
	if !ok {
		return nil, fmt.Errorf("%w: unit %d function 0x%02X", ErrFunctionNotFound, unitID, functionCode)
	}
	return w, nil
}

// Serves reports whether at least one worker is registered for unitID.
func (r *Registry) Serves(unitID byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[unitID] > 0
}

// Units returns, in ascending order, the units serving functionCode.
func (r *Registry) Units(functionCode byte) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var units []byte
	for k := range r.workers {
		if k.functionCode == functionCode {
			units = append(units, k.unitID)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}
