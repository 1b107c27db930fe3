// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Config controls the outbound relay.
type Config struct {
	PowerToDeliverURL string
	SubmitReadingsURL string
	Timeout           time.Duration
	Workers           int
	Queue             int
}

type job struct {
	kind    string
	device  string
	kw      int32
	payload []byte
	queued  time.Time
}

// Relay forwards set-points and readings to the upstream service. Enqueueing
// never blocks; deliveries run on a bounded worker pool and are attempted once.
type Relay struct {
	client  *Client
	journal *Journal
	pool    *ants.Pool
	queue   chan job
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a relay. journal may be nil.
func New(cfg Config, journal *Journal) (*Relay, error) {
	if cfg.Workers < 1 || cfg.Queue < 1 {
		return nil, errors.New("relay: workers and queue must be positive")
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("relay: worker pool: %w", err)
	}
	return &Relay{
		client:  NewClient(&http.Client{Timeout: cfg.Timeout}, cfg.PowerToDeliverURL, cfg.SubmitReadingsURL),
		journal: journal,
		pool:    pool,
		queue:   make(chan job, cfg.Queue),
		logger:  slog.Default().With("component", "relay"),
	}, nil
}

// EnqueuePower queues a power command for device.
func (r *Relay) EnqueuePower(device string, kw int32) bool {
	return r.enqueue(job{kind: KindPower, device: device, kw: kw, queued: time.Now()})
}

// EnqueueReadings queues a raw readings payload for device.
func (r *Relay) EnqueueReadings(device string, payload []byte) bool {
	return r.enqueue(job{kind: KindReadings, device: device, payload: payload, queued: time.Now()})
}

func (r *Relay) enqueue(j job) bool {
	select {
	case r.queue <- j:
		return true
	default:
		return false
	}
}

// Run hands queued jobs to the worker pool until ctx is cancelled, then
// waits for in-flight deliveries and releases the pool.
func (r *Relay) Run(ctx context.Context) {
	defer func() {
		r.wg.Wait()
		r.pool.Release()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.wg.Add(1)
			err := r.pool.Submit(func() {
				defer r.wg.Done()
				r.deliver(ctx, j)
			})
			if err != nil {
				r.wg.Done()
				r.logger.Error("Failed to submit delivery", "kind", j.kind, "device", j.device, "err", err)
			}
		}
	}
}

func (r *Relay) deliver(ctx context.Context, j job) {
	var (
		status  int
		err     error
		url     string
		payload string
	)
	switch j.kind {
	case KindPower:
		cmd := PowerCommand{DeviceID: j.device, PowerToDeliverKw: j.kw, Timestamp: j.queued.Unix()}
		url = r.client.powerURL
		payload = fmt.Sprintf("%d", j.kw)
		status, err = r.client.SendPower(ctx, cmd)
	case KindReadings:
		url = r.client.readingsURL
		payload = string(j.payload)
		status, err = r.client.SubmitReadings(ctx, j.payload)
	}

	if err != nil {
		r.logger.Warn("Delivery failed", "kind", j.kind, "device", j.device, "status_code", status, "err", err)
	} else {
		r.logger.Debug("Delivered", "kind", j.kind, "device", j.device, "status_code", status)
	}

	if r.journal == nil {
		return
	}
	d := Delivery{
		Time:       j.queued,
		Device:     j.device,
		Kind:       j.kind,
		URL:        url,
		StatusCode: status,
		Succeeded:  err == nil,
		Payload:    payload,
	}
	if err != nil {
		d.Error = err.Error()
	}
	if jerr := r.journal.Record(d); jerr != nil {
		r.logger.Error("Failed to journal delivery", "err", jerr)
	}
}
