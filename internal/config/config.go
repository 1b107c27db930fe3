// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProfileTesla     = "tesla"
	ProfileNEC       = "nec"
	ProfileGridRelay = "gridrelay"

	ListenTCP        = "tcp"
	ListenRTU        = "rtu"
	ListenRTUOverTCP = "rtuovertcp"

	DefaultModbusAddress = "0.0.0.0:1502"
	DefaultInitialSOC    = 50.0
)

// Config defines the global configuration structure
type Config struct {
	Log     LogConfig      `mapstructure:"log"`
	Devices []DeviceConfig `mapstructure:"devices"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Relay   RelayConfig    `mapstructure:"relay"`
	Status  StatusConfig   `mapstructure:"status"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// DeviceConfig defines a single simulated battery
type DeviceConfig struct {
	Name      string          `mapstructure:"name"`
	Profile   string          `mapstructure:"profile"` // "tesla", "nec", "gridrelay"
	Listen    ListenConfig    `mapstructure:"listen"`
	Registers RegistersConfig `mapstructure:"registers"`
	Battery   BatteryConfig   `mapstructure:"battery"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Tesla     TeslaConfig     `mapstructure:"tesla"`
	NEC       NECConfig       `mapstructure:"nec"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
}

// ListenConfig defines where the Modbus master connects
type ListenConfig struct {
	Type   string       `mapstructure:"type"`   // "tcp", "rtu", "rtuovertcp"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp" or "rtuovertcp"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
}

// RegistersConfig defines the holding register window
type RegistersConfig struct {
	Start int `mapstructure:"start"`
	Count int `mapstructure:"count"`
}

// BatteryConfig defines the battery model parameters
type BatteryConfig struct {
	InitialSOC     *float64 `mapstructure:"initial_soc"`
	RatedPowerKW   float64  `mapstructure:"rated_power_kw"`
	SecondsToFull  float64  `mapstructure:"seconds_to_full"`
	SecondsToEmpty float64  `mapstructure:"seconds_to_empty"`
}

// HeartbeatConfig defines the supervisor tick and liveness timeout
type HeartbeatConfig struct {
	Period  time.Duration `mapstructure:"period"`
	Timeout int           `mapstructure:"timeout"` // ticks, 0 = profile default
}

type TeslaConfig struct {
	FullChargeEnergy uint32 `mapstructure:"full_charge_energy"`
}

type NECConfig struct {
	RequireDispatch bool `mapstructure:"require_dispatch"`
}

// SnapshotConfig defines where register dumps are written
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:1502"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// IngestConfig defines the HTTP endpoint receiving external readings
type IngestConfig struct {
	Address string `mapstructure:"address"`
}

// RelayConfig defines the outbound HTTP relay
type RelayConfig struct {
	PowerToDeliverURL string        `mapstructure:"power_to_deliver_url"`
	SubmitReadingsURL string        `mapstructure:"submit_readings_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Workers           int           `mapstructure:"workers"`
	Queue             int           `mapstructure:"queue"`
	Journal           string        `mapstructure:"journal"` // sqlite path, empty disables
}

// StatusConfig defines the MQTT status publisher
type StatusConfig struct {
	Broker   string `mapstructure:"broker"` // empty disables
	Topic    string `mapstructure:"topic"`  // fmt pattern, %s is the device name
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/bess-simulator/")
		v.AddConfigPath("$HOME/.bess-simulator")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BESSSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("ingest.address", ":8888")
	v.SetDefault("relay.power_to_deliver_url", "http://localhost:1880")
	v.SetDefault("relay.submit_readings_url", "http://localhost:1880/testpoint")
	v.SetDefault("relay.timeout", 5*time.Second)
	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.queue", 64)
	v.SetDefault("relay.journal", "")
	v.SetDefault("status.broker", "")
	v.SetDefault("status.topic", "bess/%s/status")
	v.SetDefault("status.client_id", "bess-simulator")
	v.SetDefault("status.qos", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to found config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	for i := range config.Devices {
		fixupDevice(&config.Devices[i])
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks the settings that cannot be fixed up with a default.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true

		switch d.Profile {
		case ProfileTesla, ProfileNEC, ProfileGridRelay:
		default:
			return fmt.Errorf("device %s: unknown profile %q", d.Name, d.Profile)
		}
		switch d.Listen.Type {
		case ListenTCP, ListenRTUOverTCP:
		case ListenRTU:
			if d.Listen.Serial.Device == "" {
				return fmt.Errorf("device %s: serial device is required for rtu", d.Name)
			}
		default:
			return fmt.Errorf("device %s: unknown listen type %q", d.Name, d.Listen.Type)
		}
		if d.Registers.Start < 0 || d.Registers.Start > 65535 {
			return fmt.Errorf("device %s: register start %d outside 0..65535", d.Name, d.Registers.Start)
		}
		if soc := d.Battery.InitialSOC; soc != nil && (*soc < 0 || *soc > 100) {
			return fmt.Errorf("device %s: initial_soc %v outside 0..100", d.Name, *soc)
		}
		if d.Heartbeat.Timeout < 0 || d.Heartbeat.Timeout > 65535 {
			return fmt.Errorf("device %s: heartbeat timeout %d outside 0..65535", d.Name, d.Heartbeat.Timeout)
		}
	}
	if c.Relay.Workers < 1 || c.Relay.Queue < 1 {
		return errors.New("relay workers and queue must be positive")
	}
	return nil
}

// HasProfile reports whether any device uses the named profile.
func (c *Config) HasProfile(name string) bool {
	for _, d := range c.Devices {
		if d.Profile == name {
			return true
		}
	}
	return false
}

func fixupDevice(d *DeviceConfig) {
	d.Profile = strings.ToLower(d.Profile)
	d.Listen.Type = strings.ToLower(d.Listen.Type)
	if d.Listen.Type == "" {
		d.Listen.Type = ListenTCP
	}
	if d.Listen.Tcp.Address == "" {
		d.Listen.Tcp.Address = DefaultModbusAddress
	}
	fixupSerial(&d.Listen.Serial)

	if d.Registers.Count == 0 {
		d.Registers.Count = 65536 - d.Registers.Start
	}
	if d.Battery.InitialSOC == nil {
		soc := DefaultInitialSOC
		d.Battery.InitialSOC = &soc
	}
	if d.Battery.RatedPowerKW == 0 {
		d.Battery.RatedPowerKW = 230
	}
	if d.Battery.SecondsToFull == 0 {
		d.Battery.SecondsToFull = 3000
	}
	if d.Battery.SecondsToEmpty == 0 {
		d.Battery.SecondsToEmpty = 2800
	}
	if d.Heartbeat.Period == 0 {
		d.Heartbeat.Period = time.Second
	}
	if d.Tesla.FullChargeEnergy == 0 {
		d.Tesla.FullChargeEnergy = 100
	}
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 9600
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
