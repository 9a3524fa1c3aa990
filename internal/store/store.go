// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store holds the register values served by the workers.
package store

import (
	"errors"
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// ErrOutOfRange is returned when a read or write leaves the 16-bit address space.
var ErrOutOfRange = errors.New("store: address range out of bounds")

// HoldingRegisters is the register source a read worker serves from.
type HoldingRegisters interface {
	// ReadRegisters returns quantity register values starting at address.
	ReadRegisters(address, quantity uint16) ([]uint16, error)
}

// Counter yields consecutive 16-bit values: every register read returns the
// current value and advances it by one, wrapping at 0xFFFF. The address is
// not used.
type Counter struct {
	mu    sync.Mutex
	value uint16
}

// NewCounter returns a counter starting at initial.
func NewCounter(initial uint16) *Counter {
	return &Counter{value: initial}
}

// ReadRegisters implements HoldingRegisters.
func (c *Counter) ReadRegisters(address, quantity uint16) ([]uint16, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = c.value
		c.value++
	}
	return values, nil
}

// Value returns the next value to be served.
func (c *Counter) Value() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Table is a flat register table covering the whole 16-bit address space.
// Applications update it with Set while workers read it.
type Table struct {
	mu        sync.RWMutex
	registers []uint16
}

// NewTable creates a table with every register set to fill.
func NewTable(fill uint16) *Table {
	t := &Table{registers: make([]uint16, MaxAddress+1)}
	if fill != 0 {
		for i := range t.registers {
			t.registers[i] = fill
		}
	}
	return t
}

// ReadRegisters implements HoldingRegisters.
func (t *Table) ReadRegisters(address, quantity uint16) ([]uint16, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	values := make([]uint16, quantity)
	copy(values, t.registers[address:int(address)+int(quantity)])
	return values, nil
}

// Set writes values starting at address.
func (t *Table) Set(address uint16, values ...uint16) error {
	if len(values) == 0 {
		return nil
	}
	if int(address)+len(values) > MaxAddress+1 {
		return fmt.Errorf("%w: %d registers at %d", ErrOutOfRange, len(values), address)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	copy(t.registers[address:], values)
	return nil
}

// Get returns the value of a single register.
func (t *Table) Get(address uint16) uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registers[address]
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrOutOfRange)
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("%w: %d registers at %d", ErrOutOfRange, quantity, address)
	}
	return nil
}
