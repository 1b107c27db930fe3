// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	gridx "github.com/grid-x/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/bess-simulator/internal/battery"
	"github.com/ffutop/bess-simulator/internal/config"
	"github.com/ffutop/bess-simulator/internal/profile"
	"github.com/ffutop/bess-simulator/internal/registers"
	"github.com/ffutop/bess-simulator/internal/snapshot"
)

func deviceConfig(name, prof string) config.DeviceConfig {
	soc := 50.0
	dc := config.DeviceConfig{
		Name:    name,
		Profile: prof,
	}
	dc.Listen.Type = config.ListenTCP
	dc.Listen.Tcp.Address = "127.0.0.1:0"
	dc.Registers.Start = 0
	dc.Registers.Count = 2000
	dc.Battery.InitialSOC = &soc
	dc.Battery.RatedPowerKW = 230
	dc.Battery.SecondsToFull = 3000
	dc.Battery.SecondsToEmpty = 2800
	dc.Heartbeat.Period = 10 * time.Millisecond
	dc.Tesla.FullChargeEnergy = 100
	return dc
}

func baseConfig(devices ...config.DeviceConfig) *config.Config {
	cfg := &config.Config{Devices: devices}
	cfg.Ingest.Address = "127.0.0.1:0"
	cfg.Relay.Timeout = time.Second
	cfg.Relay.Workers = 2
	cfg.Relay.Queue = 8
	return cfg
}

type running struct {
	sim    *Simulator
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	sim, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{sim: sim, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- sim.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("simulator did not stop")
	}
}

func (r *running) client(t *testing.T, name string) modbus.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := r.sim.ModbusAddr(ctx, name)
	require.NoError(t, err)

	handler := modbus.NewTCPClientHandler(addr.String())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return modbus.NewClient(handler)
}

func words(values ...uint16) []byte {
	b := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func TestSimulator_TeslaChargeOverModbus(t *testing.T) {
	r := start(t, baseConfig(deviceConfig("bess-1", config.ProfileTesla)))
	client := r.client(t, "bess-1")

	_, err := client.WriteMultipleRegisters(profile.TeslaDirectPower, 2, words(0xFFFF, 0xFFCE))
	require.NoError(t, err)

	results, err := client.ReadHoldingRegisters(profile.TeslaDirectPower, 2)
	require.NoError(t, err)
	assert.Equal(t, words(0xFFFF, 0xFFCE), results)

	d, ok := r.sim.Device("bess-1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Mode == battery.Charging.String() && st.SOC > 50
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(-50), d.Status().CommandedKW)
}

func TestSimulator_ExceptionOverModbus(t *testing.T) {
	r := start(t, baseConfig(deviceConfig("bess-1", config.ProfileTesla)))
	client := r.client(t, "bess-1")

	// Outside the 0..1999 window.
	_, err := client.ReadHoldingRegisters(1999, 2)
	var mbErr *modbus.ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)

	// The connection survives an exception reply.
	results, err := client.ReadHoldingRegisters(profile.TeslaFirmwareVersion, 3)
	require.NoError(t, err)
	assert.Equal(t, "V0.1.3", string(results))
}

func TestSimulator_NECOverRTUOverTCP(t *testing.T) {
	dc := deviceConfig("nec-1", config.ProfileNEC)
	dc.Listen.Type = config.ListenRTUOverTCP
	dc.Registers.Count = 65536
	r := start(t, baseConfig(dc))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := r.sim.ModbusAddr(ctx, "nec-1")
	require.NoError(t, err)

	handler := gridx.NewRTUOverTCPClientHandler(addr.String())
	handler.Timeout = 2 * time.Second
	handler.SlaveID = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := gridx.NewClient(handler)

	_, err = client.WriteSingleRegister(profile.NECModeControl, profile.NECModeOperational)
	require.NoError(t, err)
	_, err = client.WriteSingleRegister(profile.NECRealPowerSetPoint, 0x8032)
	require.NoError(t, err)

	d, ok := r.sim.Device("nec-1")
	require.True(t, ok)
	// Magnitude 32718 saturates within a dozen ticks.
	require.Eventually(t, func() bool {
		st := d.Status()
		return st.SOC == 100 && st.Mode == battery.Idle.String()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(-32718), d.Status().CommandedKW)
}

func TestSimulator_SnapshotOnDumpMemory(t *testing.T) {
	dc := deviceConfig("bess-1", config.ProfileTesla)
	dc.Snapshot.Path = filepath.Join(t.TempDir(), "bess-1.regs")
	r := start(t, baseConfig(dc))
	client := r.client(t, "bess-1")

	_, err := client.WriteSingleRegister(profile.TeslaRealMode, 7)
	require.NoError(t, err)
	_, err = client.WriteSingleRegister(profile.TeslaDumpMemory, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, regs, err := snapshot.Load(dc.Snapshot.Path)
		return err == nil && len(regs) == 2000 && regs[profile.TeslaRealMode] == 7
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSimulator_GridRelayForwardsPower(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var m map[string]interface{}
		if json.Unmarshal(body, &m) == nil {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	cfg := baseConfig(deviceConfig("site-a", config.ProfileGridRelay))
	cfg.Relay.PowerToDeliverURL = upstream.URL
	cfg.Relay.SubmitReadingsURL = upstream.URL + "/testpoint"
	r := start(t, cfg)
	client := r.client(t, "site-a")

	_, err := client.WriteSingleRegister(profile.GridRelayPowerToDeliver, 0xFFCE)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "site-a", received[0]["deviceId"])
	assert.Equal(t, float64(-50), received[0]["powerToDeliverKw"])
}

func TestNew_ResourceError(t *testing.T) {
	dc := deviceConfig("bess-1", config.ProfileTesla)
	dc.Registers.Start = 65000
	dc.Registers.Count = 1000
	_, err := New(baseConfig(dc))
	var resErr *registers.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, uint16(65000), resErr.Start)
	assert.Contains(t, err.Error(), "bess-1")
}

func TestModbusAddr_UnknownDevice(t *testing.T) {
	sim, err := New(baseConfig(deviceConfig("bess-1", config.ProfileNEC)))
	require.NoError(t, err)
	_, err = sim.ModbusAddr(context.Background(), "nope")
	assert.Error(t, err)
	assert.Len(t, sim.Devices(), 1)
}
