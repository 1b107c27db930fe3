// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/bess-simulator/internal/battery"
	"github.com/ffutop/bess-simulator/internal/config"
	"github.com/ffutop/bess-simulator/internal/device"
	"github.com/ffutop/bess-simulator/internal/ingest"
	"github.com/ffutop/bess-simulator/internal/profile"
	"github.com/ffutop/bess-simulator/internal/relay"
	"github.com/ffutop/bess-simulator/internal/snapshot"
	"github.com/ffutop/bess-simulator/internal/status"
	"github.com/ffutop/bess-simulator/transport"
	"github.com/ffutop/bess-simulator/transport/rtu"
	rtuovertcp "github.com/ffutop/bess-simulator/transport/rtu-over-tcp"
	"github.com/ffutop/bess-simulator/transport/tcp"
)

// instance binds a device to the transport its master connects through.
type instance struct {
	device   *device.Device
	server   transport.Server
	exporter *snapshot.MmapExporter
}

// Simulator owns every device in the process together with the shared
// collaborators: the vendor C ingestion endpoint and relay, and the MQTT
// status publisher.
type Simulator struct {
	instances []instance

	relay     *relay.Relay
	journal   *relay.Journal
	ingest    *ingest.Server
	publisher *status.Publisher
}

// New builds all devices and collaborators described by cfg. Nothing is
// started until Run.
func New(cfg *config.Config) (*Simulator, error) {
	s := &Simulator{}

	if cfg.HasProfile(config.ProfileGridRelay) {
		if err := s.setupRelay(cfg); err != nil {
			s.release()
			return nil, err
		}
	}

	if cfg.Status.Broker != "" {
		pub, err := status.Connect(status.Config{
			Broker:   cfg.Status.Broker,
			Topic:    cfg.Status.Topic,
			ClientID: cfg.Status.ClientID,
			Username: cfg.Status.Username,
			Password: cfg.Status.Password,
			QoS:      cfg.Status.QoS,
		})
		if err != nil {
			// The broker may come up later; devices run without publishing.
			slog.Error("Status publishing disabled", "broker", cfg.Status.Broker, "err", err)
		} else {
			s.publisher = pub
		}
	}

	for _, dc := range cfg.Devices {
		inst, err := s.newInstance(dc)
		if err != nil {
			s.release()
			return nil, err
		}
		s.instances = append(s.instances, inst)
		if s.ingest != nil && dc.Profile == config.ProfileGridRelay {
			s.ingest.AddDevice(dc.Name, inst.device)
		}
	}
	return s, nil
}

func (s *Simulator) setupRelay(cfg *config.Config) error {
	if cfg.Relay.Journal != "" {
		j, err := relay.OpenJournal(cfg.Relay.Journal)
		if err != nil {
			return err
		}
		s.journal = j
	}
	r, err := relay.New(relay.Config{
		PowerToDeliverURL: cfg.Relay.PowerToDeliverURL,
		SubmitReadingsURL: cfg.Relay.SubmitReadingsURL,
		Timeout:           cfg.Relay.Timeout,
		Workers:           cfg.Relay.Workers,
		Queue:             cfg.Relay.Queue,
	}, s.journal)
	if err != nil {
		return err
	}
	s.relay = r
	s.ingest = ingest.NewServer(cfg.Ingest.Address, r)
	return nil
}

func (s *Simulator) newInstance(dc config.DeviceConfig) (instance, error) {
	p, err := profile.New(dc.Profile, profile.Options{
		Tesla: profile.TeslaOptions{FullChargeEnergy: dc.Tesla.FullChargeEnergy},
		NEC:   profile.NECOptions{RequireDispatch: dc.NEC.RequireDispatch},
	})
	if err != nil {
		return instance{}, fmt.Errorf("device %s: %w", dc.Name, err)
	}

	soc := config.DefaultInitialSOC
	if dc.Battery.InitialSOC != nil {
		soc = *dc.Battery.InitialSOC
	}
	devCfg := device.Config{
		Name:    dc.Name,
		Profile: p,
		Start:   uint16(dc.Registers.Start),
		Count:   dc.Registers.Count,
		Battery: battery.Params{
			RatedPowerKW:   dc.Battery.RatedPowerKW,
			SecondsToFull:  dc.Battery.SecondsToFull,
			SecondsToEmpty: dc.Battery.SecondsToEmpty,
		},
		InitialSOC:       soc,
		TickPeriod:       dc.Heartbeat.Period,
		HeartbeatTimeout: uint16(dc.Heartbeat.Timeout),
	}

	var inst instance
	if dc.Snapshot.Path != "" {
		inst.exporter = snapshot.NewMmapExporter(dc.Snapshot.Path)
		devCfg.Exporter = inst.exporter
	}
	// Interface fields stay nil unless the collaborator exists.
	if s.relay != nil {
		devCfg.Sink = s.relay
	}
	if s.publisher != nil {
		devCfg.Publisher = s.publisher
	}

	d, err := device.New(devCfg)
	if err != nil {
		if inst.exporter != nil {
			inst.exporter.Close()
		}
		return instance{}, err
	}
	inst.device = d

	switch dc.Listen.Type {
	case config.ListenRTU:
		inst.server = rtu.NewServer(dc.Listen.Serial)
	case config.ListenRTUOverTCP:
		inst.server = rtuovertcp.NewServer(dc.Listen.Tcp.Address)
	default:
		inst.server = tcp.NewServer(dc.Listen.Tcp.Address)
	}
	return inst, nil
}

// Devices returns the simulated devices in configuration order.
func (s *Simulator) Devices() []*device.Device {
	devices := make([]*device.Device, len(s.instances))
	for i, inst := range s.instances {
		devices[i] = inst.device
	}
	return devices
}

// Device looks a device up by name.
func (s *Simulator) Device(name string) (*device.Device, bool) {
	for _, inst := range s.instances {
		if inst.device.Name() == name {
			return inst.device, true
		}
	}
	return nil, false
}

type boundServer interface {
	Addr(ctx context.Context) (net.Addr, error)
}

// ModbusAddr waits for the named device's TCP listener and returns its
// bound address. It fails for serial devices.
func (s *Simulator) ModbusAddr(ctx context.Context, name string) (net.Addr, error) {
	for _, inst := range s.instances {
		if inst.device.Name() != name {
			continue
		}
		srv, ok := inst.server.(boundServer)
		if !ok {
			return nil, fmt.Errorf("device %s does not listen on tcp", name)
		}
		return srv.Addr(ctx)
	}
	return nil, fmt.Errorf("unknown device %s", name)
}

// Run starts every transport, supervisor and collaborator, blocks until
// ctx is cancelled, then joins them and releases resources.
func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	// A collaborator that cannot serve stops the whole simulator.
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		cancel()
	}

	if s.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.relay.Run(ctx)
		}()
	}
	if s.ingest != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ingest.Start(ctx); err != nil {
				slog.Error("Ingestion endpoint stopped with error", "err", err)
				fail(fmt.Errorf("ingest: %w", err))
			}
		}()
	}

	for _, inst := range s.instances {
		inst := inst
		wg.Add(2)
		go func() {
			defer wg.Done()
			inst.device.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			slog.Info("Starting device", "device", inst.device.Name(), "profile", inst.device.ProfileName())
			if err := inst.server.Start(ctx, inst.device.Handle); err != nil {
				slog.Error("Transport stopped with error", "device", inst.device.Name(), "err", err)
				fail(fmt.Errorf("device %s: %w", inst.device.Name(), err))
			}
		}()
	}

	<-ctx.Done()

	for _, inst := range s.instances {
		inst.server.Close()
	}
	wg.Wait()
	s.release()

	return errors.Join(errs...)
}

func (s *Simulator) release() {
	for _, inst := range s.instances {
		if inst.exporter == nil {
			continue
		}
		if err := inst.exporter.Close(); err != nil {
			slog.Warn("Failed to close snapshot", "path", inst.exporter.Path(), "err", err)
		}
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Warn("Failed to close relay journal", "err", err)
		}
	}
}
