// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package battery

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinSOC = 0.0
	MaxSOC = 100.0
)

// Mode is the battery operating mode.
type Mode int

const (
	Idle Mode = iota
	Charging
	Discharging
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Charging:
		return "charging"
	case Discharging:
		return "discharging"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Params describes the modelled pack. A full charge at rated power takes
// SecondsToFull ticks; a full discharge takes SecondsToEmpty ticks.
type Params struct {
	RatedPowerKW   float64
	SecondsToFull  float64
	SecondsToEmpty float64
}

func DefaultParams() Params {
	return Params{
		RatedPowerKW:   230,
		SecondsToFull:  3000,
		SecondsToEmpty: 2800,
	}
}

func (p Params) Validate() error {
	if p.RatedPowerKW <= 0 {
		return errors.New("rated power must be positive")
	}
	if p.SecondsToFull <= 0 || p.SecondsToEmpty <= 0 {
		return errors.New("charge and discharge durations must be positive")
	}
	return nil
}

// ChargeResolution is the SOC gained per tick per kW of charge command.
func (p Params) ChargeResolution() float64 {
	return 100.0 / (p.RatedPowerKW * p.SecondsToFull)
}

// DischargeResolution is the SOC lost per tick per kW of discharge command.
func (p Params) DischargeResolution() float64 {
	return 100.0 / (p.RatedPowerKW * p.SecondsToEmpty)
}

// State is a linear constant-power battery model. Negative set-points charge,
// positive set-points discharge. State is not safe for concurrent use.
type State struct {
	params    Params
	mode      Mode
	soc       float64
	rate      float64
	commanded int32
}

func New(p Params, initialSOC float64) (*State, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(initialSOC) || initialSOC < MinSOC || initialSOC > MaxSOC {
		return nil, fmt.Errorf("initial soc %v outside [%v, %v]", initialSOC, MinSOC, MaxSOC)
	}
	return &State{params: p, soc: initialSOC}, nil
}

// Command applies a power set-point in kW.
func (s *State) Command(kw int32) {
	s.commanded = kw
	switch {
	case kw < 0:
		s.mode = Charging
		s.rate = math.Abs(float64(kw)) * s.params.ChargeResolution()
	case kw > 0:
		s.mode = Discharging
		s.rate = float64(kw) * s.params.DischargeResolution()
	default:
		s.mode = Idle
		s.rate = 0
	}
}

// Step advances the model by one tick and reports whether a bound was reached.
func (s *State) Step() bool {
	switch s.mode {
	case Charging:
		s.soc = math.Min(MaxSOC, s.soc+s.rate)
		if s.soc >= MaxSOC {
			s.mode = Idle
			return true
		}
	case Discharging:
		s.soc = math.Max(MinSOC, s.soc-s.rate)
		if s.soc <= MinSOC {
			s.mode = Idle
			return true
		}
	}
	return false
}

func (s *State) Mode() Mode { return s.mode }

func (s *State) SOC() float64 { return s.soc }

func (s *State) Rate() float64 { return s.rate }

func (s *State) Commanded() int32 { return s.commanded }

func (s *State) Params() Params { return s.params }

// SetSOC overrides the state of charge, clamped to [0, 100].
func (s *State) SetSOC(soc float64) {
	if math.IsNaN(soc) {
		return
	}
	s.soc = math.Max(MinSOC, math.Min(MaxSOC, soc))
}

// Saturated reports whether the commanded direction has hit its SOC bound.
func (s *State) Saturated() bool {
	return (s.commanded < 0 && s.soc >= MaxSOC) || (s.commanded > 0 && s.soc <= MinSOC)
}

// Delivered is the set-point the pack is actually honouring.
func (s *State) Delivered() int32 {
	if s.Saturated() {
		return 0
	}
	return s.commanded
}
