// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package profile

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ffutop/bess-simulator/internal/battery"
	"github.com/ffutop/bess-simulator/internal/heartbeat"
	"github.com/ffutop/bess-simulator/internal/registers"
)

const (
	NameTesla     = "tesla"
	NameNEC       = "nec"
	NameGridRelay = "gridrelay"
)

// Unit is the device state a register hook may touch.
// Hooks are always invoked with the owning device locked.
type Unit interface {
	Registers() *registers.Map
	Battery() *battery.State
	Heartbeat() *heartbeat.State
	Logger() *slog.Logger
	SetDebug(on bool)
	RequestSnapshot()
	ForwardPower(kw int32)
}

// ValueError reports a value rejected by a register's validator.
type ValueError struct {
	Register string
	Address  uint16
	Value    uint16
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("value %d not allowed for %s (%d)", e.Value, e.Register, e.Address)
}

// Register describes one address of a vendor map.
// Index is the position of the address inside a multi-register value.
type Register struct {
	Name  string
	Index int

	Validate func(value uint16) error
	Write    func(u Unit, index int, value uint16)
	Read     func(u Unit, index int) uint16
}

// ReadOnly reports whether the register is computed telemetry.
func (r Register) ReadOnly() bool {
	return r.Read != nil
}

// Profile is an immutable vendor register table.
type Profile struct {
	name             string
	heartbeatTimeout uint16
	ramp             func(u Unit) bool
	storeSOC         func(u Unit, soc float64)
	table            map[uint16]Register
}

// Options carries per-vendor settings.
type Options struct {
	Tesla TeslaOptions
	NEC   NECOptions
}

// New builds the named vendor profile.
func New(name string, opts Options) (*Profile, error) {
	switch name {
	case NameTesla:
		return Tesla(opts.Tesla), nil
	case NameNEC:
		return NEC(opts.NEC), nil
	case NameGridRelay:
		return GridRelay(), nil
	}
	return nil, fmt.Errorf("unknown profile %q", name)
}

func (p *Profile) Name() string { return p.name }

// HeartbeatTimeout is the default staleness threshold in ticks. Zero disables it.
func (p *Profile) HeartbeatTimeout() uint16 { return p.heartbeatTimeout }

// Lookup returns the register definition for addr.
func (p *Profile) Lookup(addr uint16) (Register, bool) {
	r, ok := p.table[addr]
	return r, ok
}

// Ramps reports whether the battery model should advance on this tick.
func (p *Profile) Ramps(u Unit) bool {
	if p.ramp == nil {
		return true
	}
	return p.ramp(u)
}

// StoreSOC records an externally measured state of charge in the register
// map of profiles that expose one.
func (p *Profile) StoreSOC(u Unit, soc float64) {
	if p.storeSOC != nil {
		p.storeSOC(u, soc)
	}
}

// Addresses returns the mapped addresses in ascending order.
func (p *Profile) Addresses() []uint16 {
	out := make([]uint16, 0, len(p.table))
	for addr := range p.table {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// oneOf returns a validator accepting only the listed values.
func oneOf(name string, addr uint16, allowed ...uint16) func(uint16) error {
	return func(v uint16) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return &ValueError{Register: name, Address: addr, Value: v}
	}
}

// block registers a multi-register value at consecutive addresses.
func block(table map[uint16]Register, addr uint16, size int, r Register) {
	for i := 0; i < size; i++ {
		r.Index = i
		table[addr+uint16(i)] = r
	}
}

func logged(name string) func(u Unit, index int, value uint16) {
	return func(u Unit, _ int, value uint16) {
		u.Logger().Info("Register written", "register", name, "value", value)
	}
}

func noop(u Unit, _ int, _ uint16) {}

func debugSwitch(u Unit, _ int, value uint16) {
	u.SetDebug(value != 0)
}
