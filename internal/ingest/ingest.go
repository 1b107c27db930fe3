// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

const maxBodySize = 1 << 20

// Sample is one reading pushed by the external meter.
type Sample struct {
	Timestamp        float64  `json:"timestamp"`
	PowerDeliveredKW float64  `json:"powerDeliveredkW"`
	StateOfCharge    *float64 `json:"stateOfCharge"`
}

// SOCSetter receives the measured state of charge.
type SOCSetter interface {
	SetSOC(soc float64)
}

// ReadingsSink receives the raw payload for onward delivery.
type ReadingsSink interface {
	EnqueueReadings(device string, payload []byte) bool
}

var ErrNoSamples = errors.New("no samples in payload")

// Latest returns the sample with the greatest timestamp found in any
// top-level array of the JSON object. Arrays are visited in key order and
// on equal timestamps the later sample wins.
func Latest(payload []byte) (Sample, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return Sample{}, fmt.Errorf("decode payload: %w", err)
	}
	keys := make([]string, 0, len(object))
	for k := range object {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		best  Sample
		found bool
	)
	for _, k := range keys {
		var samples []Sample
		if err := json.Unmarshal(object[k], &samples); err != nil {
			continue
		}
		for _, s := range samples {
			if s.StateOfCharge == nil {
				continue
			}
			if !found || s.Timestamp >= best.Timestamp {
				best = s
				found = true
			}
		}
	}
	if !found {
		return Sample{}, ErrNoSamples
	}
	return best, nil
}

// Server accepts readings over HTTP. PUT or POST to /{device} targets a
// named device; "/" targets the default device.
type Server struct {
	Address string

	devices       map[string]SOCSetter
	defaultDevice string
	sink          ReadingsSink
	logger        *slog.Logger

	srv *http.Server
}

func NewServer(address string, sink ReadingsSink) *Server {
	s := &Server{
		Address: address,
		devices: make(map[string]SOCSetter),
		sink:    sink,
		logger:  slog.Default().With("component", "ingest"),
	}
	s.srv = &http.Server{
		Addr:              address,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AddDevice registers a device. The first device added is the default.
func (s *Server) AddDevice(name string, d SOCSetter) {
	if len(s.devices) == 0 {
		s.defaultDevice = name
	}
	s.devices[name] = d
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("Ingestion endpoint listening", "addr", l.Addr().String(), "default_device", s.defaultDevice)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.Header().Set("Allow", "PUT, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.Trim(r.URL.Path, "/")
	if name == "" {
		name = s.defaultDevice
	}
	device, ok := s.devices[name]
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	sample, err := Latest(payload)
	if err != nil {
		s.logger.Warn("Rejected readings", "device", name, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device.SetSOC(*sample.StateOfCharge)
	s.logger.Debug("Readings received", "device", name, "timestamp", sample.Timestamp, "soc", *sample.StateOfCharge, "power_kw", sample.PowerDeliveredKW)

	if s.sink != nil && !s.sink.EnqueueReadings(name, payload) {
		s.logger.Warn("Relay queue full, dropping readings", "device", name)
	}
	w.WriteHeader(http.StatusNoContent)
}
