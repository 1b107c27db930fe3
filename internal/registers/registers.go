// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registers

import (
	"encoding/binary"
	"fmt"
)

// AddressSpace is the number of addressable holding registers.
const AddressSpace = 65536

// AddressError reports an access outside the configured window.
type AddressError struct {
	Address  uint16
	Quantity int
	Start    uint16
	Count    int
}

func (e *AddressError) Error() string {
	if e.Quantity <= 1 {
		return fmt.Sprintf("address %d outside [%d, %d)", e.Address, e.Start, int(e.Start)+e.Count)
	}
	return fmt.Sprintf("range %d+%d outside [%d, %d)", e.Address, e.Quantity, e.Start, int(e.Start)+e.Count)
}

// ResourceError reports a register map that cannot be created.
type ResourceError struct {
	Start  uint16
	Count  int
	Reason string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("register map start=%d count=%d: %s", e.Start, e.Count, e.Reason)
}

// Map is a contiguous window of 16-bit holding registers.
// A Map is not safe for concurrent use; the owning device serialises access.
type Map struct {
	start  uint16
	values []uint16
}

// New creates a zeroed map covering [start, start+count).
func New(start uint16, count int) (*Map, error) {
	if count <= 0 {
		return nil, &ResourceError{Start: start, Count: count, Reason: "count must be greater than 0"}
	}
	if int(start)+count > AddressSpace {
		return nil, &ResourceError{Start: start, Count: count, Reason: "window exceeds the 16-bit address space"}
	}
	return &Map{
		start:  start,
		values: make([]uint16, count),
	}, nil
}

func (m *Map) Start() uint16 { return m.start }

func (m *Map) Count() int { return len(m.values) }

// Contains reports whether addr lies inside the window.
func (m *Map) Contains(addr uint16) bool {
	return addr >= m.start && int(addr) < int(m.start)+len(m.values)
}

// CheckRange validates [addr, addr+quantity) without touching storage.
func (m *Map) CheckRange(addr uint16, quantity int) error {
	if quantity <= 0 || addr < m.start || int(addr)+quantity > int(m.start)+len(m.values) {
		return &AddressError{Address: addr, Quantity: quantity, Start: m.start, Count: len(m.values)}
	}
	return nil
}

func (m *Map) Get(addr uint16) (uint16, error) {
	if err := m.CheckRange(addr, 1); err != nil {
		return 0, err
	}
	return m.values[addr-m.start], nil
}

func (m *Map) Set(addr uint16, value uint16) error {
	if err := m.CheckRange(addr, 1); err != nil {
		return err
	}
	m.values[addr-m.start] = value
	return nil
}

// ReadRange returns a copy of quantity registers starting at addr.
func (m *Map) ReadRange(addr uint16, quantity int) ([]uint16, error) {
	if err := m.CheckRange(addr, quantity); err != nil {
		return nil, err
	}
	off := int(addr - m.start)
	out := make([]uint16, quantity)
	copy(out, m.values[off:off+quantity])
	return out, nil
}

// WriteRange stores values starting at addr. Nothing is written unless the
// whole range fits.
func (m *Map) WriteRange(addr uint16, values []uint16) error {
	if err := m.CheckRange(addr, len(values)); err != nil {
		return err
	}
	copy(m.values[addr-m.start:], values)
	return nil
}

// Uint32 reads a 32-bit value stored high word first at addr, addr+1.
func (m *Map) Uint32(addr uint16) (uint32, error) {
	words, err := m.ReadRange(addr, 2)
	if err != nil {
		return 0, err
	}
	return uint32(words[0])<<16 | uint32(words[1]), nil
}

// SetUint32 stores v high word first at addr, addr+1.
func (m *Map) SetUint32(addr uint16, v uint32) error {
	return m.WriteRange(addr, []uint16{uint16(v >> 16), uint16(v)})
}

// Snapshot returns a copy of the whole window.
func (m *Map) Snapshot() []uint16 {
	out := make([]uint16, len(m.values))
	copy(out, m.values)
	return out
}

// Encode packs words as big-endian bytes, the Modbus register byte order.
func Encode(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

// Decode unpacks big-endian register bytes. A trailing odd byte is ignored.
func Decode(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words
}
