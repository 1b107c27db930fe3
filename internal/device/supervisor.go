// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"time"
)

// Run ticks the device once per period until ctx is cancelled.
func (d *Device) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.logger.Info("Supervisor started", "period", d.period, "heartbeat_timeout", d.hb.Threshold())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Supervisor stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick advances the battery model and the liveness counter by one period,
// then exports a pending snapshot and publishes the status.
func (d *Device) Tick(ctx context.Context) {
	d.mu.Lock()
	if d.profile.Ramps(d) && d.batt.Step() {
		d.logger.Info("Battery reached SOC limit", "soc", d.batt.SOC())
	}
	if d.hb.Tick() {
		d.logger.Warn("Heartbeat expired", "timeout", d.hb.Threshold())
	}

	var snapshot []uint16
	if d.snapshotPending {
		snapshot = d.regs.Snapshot()
		d.snapshotPending = false
	}
	status := d.statusLocked()
	d.logger.Debug("Tick", "mode", status.Mode, "soc", status.SOC, "heartbeat", status.HeartbeatCounter)
	d.mu.Unlock()

	if snapshot != nil {
		d.export(snapshot)
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, status); err != nil {
			d.logger.Warn("Failed to publish status", "err", err)
		}
	}
}

func (d *Device) export(words []uint16) {
	if d.exporter == nil {
		d.logger.Warn("Snapshot requested but no snapshot path configured")
		return
	}
	if err := d.exporter.Export(d.name, d.regs.Start(), words); err != nil {
		d.logger.Error("Failed to export register snapshot", "err", err)
		return
	}
	d.logger.Info("Register snapshot exported", "registers", len(words))
}
