// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ffutop/bess-simulator/internal/battery"
	"github.com/ffutop/bess-simulator/internal/heartbeat"
	"github.com/ffutop/bess-simulator/internal/profile"
	"github.com/ffutop/bess-simulator/internal/registers"
)

const DefaultTickPeriod = time.Second

// Exporter writes a diagnostic copy of the register window.
type Exporter interface {
	Export(device string, start uint16, words []uint16) error
}

// PowerSink accepts set-points that are relayed to an external service.
// EnqueuePower must not block; it reports false when the request was dropped.
type PowerSink interface {
	EnqueuePower(device string, kw int32) bool
}

// Publisher receives the device status after every tick.
type Publisher interface {
	Publish(ctx context.Context, s Status) error
}

// Config holds everything needed to build a Device.
type Config struct {
	Name    string
	Profile *profile.Profile

	Start uint16
	Count int

	Battery    battery.Params
	InitialSOC float64

	TickPeriod time.Duration
	// HeartbeatTimeout overrides the profile default when non-zero.
	HeartbeatTimeout uint16

	Exporter  Exporter
	Sink      PowerSink
	Publisher Publisher
	Logger    *slog.Logger
}

// Status is a point-in-time view of a device.
type Status struct {
	DeviceID         uuid.UUID `json:"deviceId"`
	Name             string    `json:"name"`
	Profile          string    `json:"profile"`
	Mode             string    `json:"mode"`
	SOC              float64   `json:"stateOfCharge"`
	CommandedKW      int32     `json:"commandedKw"`
	HeartbeatCounter uint16    `json:"heartbeatCounter"`
	HeartbeatStale   bool      `json:"heartbeatStale"`
	Time             time.Time `json:"timestamp"`
}

// Device is one simulated battery system. A single mutex serialises the
// Modbus dispatcher, the supervisor tick and external SOC updates.
type Device struct {
	mu sync.Mutex

	id      uuid.UUID
	name    string
	profile *profile.Profile
	regs    *registers.Map
	batt    *battery.State
	hb      *heartbeat.State
	period  time.Duration

	exporter  Exporter
	sink      PowerSink
	publisher Publisher

	logger       *slog.Logger
	level        *slog.LevelVar
	defaultLevel slog.Level
	debug        bool

	snapshotPending bool
}

// New creates a device. Register and battery configuration errors are
// returned as-is so callers can classify them with errors.As.
func New(cfg Config) (*Device, error) {
	if cfg.Profile == nil {
		return nil, errors.New("device: profile is required")
	}
	regs, err := registers.New(cfg.Start, cfg.Count)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}
	batt, err := battery.New(cfg.Battery, cfg.InitialSOC)
	if err != nil {
		return nil, fmt.Errorf("device %s: battery: %w", cfg.Name, err)
	}

	timeout := cfg.Profile.HeartbeatTimeout()
	if cfg.HeartbeatTimeout != 0 {
		timeout = cfg.HeartbeatTimeout
	}
	period := cfg.TickPeriod
	if period <= 0 {
		period = DefaultTickPeriod
	}

	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	base = base.With("device", cfg.Name, "profile", cfg.Profile.Name())
	defaultLevel := minEnabledLevel(base.Handler())
	level := new(slog.LevelVar)
	level.Set(defaultLevel)

	d := &Device{
		id:           uuid.New(),
		name:         cfg.Name,
		profile:      cfg.Profile,
		regs:         regs,
		batt:         batt,
		hb:           heartbeat.New(timeout),
		period:       period,
		exporter:     cfg.Exporter,
		sink:         cfg.Sink,
		publisher:    cfg.Publisher,
		logger:       slog.New(&levelHandler{level: level, next: base.Handler()}),
		level:        level,
		defaultLevel: defaultLevel,
	}
	d.profile.StoreSOC(d, d.batt.SOC())
	return d, nil
}

func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Name() string { return d.name }

func (d *Device) ProfileName() string { return d.profile.Name() }

// Registers, Battery, Heartbeat, Logger, SetDebug, RequestSnapshot and
// ForwardPower make Device a profile.Unit. They expect d.mu to be held.

func (d *Device) Registers() *registers.Map { return d.regs }

func (d *Device) Battery() *battery.State { return d.batt }

func (d *Device) Heartbeat() *heartbeat.State { return d.hb }

func (d *Device) Logger() *slog.Logger { return d.logger }

func (d *Device) SetDebug(on bool) {
	if on == d.debug {
		return
	}
	d.debug = on
	if on {
		d.level.Set(slog.LevelDebug)
	} else {
		d.level.Set(d.defaultLevel)
	}
	d.logger.Info("Debug logging changed", "enabled", on)
}

func (d *Device) RequestSnapshot() {
	d.snapshotPending = true
}

func (d *Device) ForwardPower(kw int32) {
	if d.sink == nil {
		d.logger.Warn("No relay configured, dropping power set-point", "kw", kw)
		return
	}
	if !d.sink.EnqueuePower(d.name, kw) {
		d.logger.Warn("Relay queue full, dropping power set-point", "kw", kw)
	}
}

// SetSOC replaces the state of charge with an externally measured value.
func (d *Device) SetSOC(soc float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batt.SetSOC(soc)
	d.profile.StoreSOC(d, d.batt.SOC())
	d.logger.Debug("State of charge updated", "soc", d.batt.SOC())
}

// Status returns the current device status.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Device) statusLocked() Status {
	return Status{
		DeviceID:         d.id,
		Name:             d.name,
		Profile:          d.profile.Name(),
		Mode:             d.batt.Mode().String(),
		SOC:              d.batt.SOC(),
		CommandedKW:      d.batt.Commanded(),
		HeartbeatCounter: d.hb.Counter(),
		HeartbeatStale:   d.hb.Stale(),
		Time:             time.Now(),
	}
}

// levelHandler filters records by a per-device level before handing them to
// the shared handler, so one device can log at debug on its own.
type levelHandler struct {
	level slog.Leveler
	next  slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}

func minEnabledLevel(h slog.Handler) slog.Level {
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn} {
		if h.Enabled(context.Background(), l) {
			return l
		}
	}
	return slog.LevelError
}
