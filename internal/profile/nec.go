// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package profile

const (
	NECRealPowerOutput       = 6
	NECAverageSOC            = 10
	NECRealPowerSetPoint     = 14007
	NECReactivePowerSetPt    = 14009
	NECSocRef                = 14011
	NECModeControl           = 14012
	NECPowerBlockEnable      = 14013
	NECHeartbeatFromPGM      = 14017
	NECDispatchMode          = 14020
	NECRealPowerSlewRate     = 14028
	NECReactivePowerSlewRate = 14029
	NECAckAlarms             = 14050

	necHeartbeatTimeout = 5
	necSOCMultiplier    = 10
)

// ModeControl values.
const (
	NECModeShutdown    = 0
	NECModeManual      = 4
	NECModeOperational = 32
)

// DispatchMode values.
const (
	NECDispatchIdle = 0
	NECDispatchRun  = 1
)

type NECOptions struct {
	// RequireDispatch holds the battery idle unless DispatchMode is Dispatch.
	RequireDispatch bool
}

// NEC models a GSS grid storage controller.
func NEC(opts NECOptions) *Profile {
	t := map[uint16]Register{
		NECRealPowerOutput: {Name: "RealPowerOutput", Read: func(u Unit, _ int) uint16 {
			return uint16(int16(u.Battery().Delivered()))
		}},
		NECAverageSOC: {Name: "AverageSOC", Read: func(u Unit, _ int) uint16 {
			return uint16(u.Battery().SOC() * necSOCMultiplier)
		}},
		NECRealPowerSetPoint: {Name: "RealPowerSetPoint", Write: func(u Unit, _ int, v uint16) {
			kw := int32(int16(v))
			u.Battery().Command(kw)
			u.Logger().Debug("Real power set-point", "kw", kw, "mode", u.Battery().Mode())
		}},
		NECReactivePowerSetPt: {Name: "ReactivePowerSetPoint", Write: noop},
		NECSocRef:             {Name: "SocRef", Write: noop},
		NECModeControl: {
			Name:     "ModeControl",
			Validate: oneOf("ModeControl", NECModeControl, NECModeShutdown, NECModeManual, NECModeOperational),
			Write: func(u Unit, _ int, v uint16) {
				u.Logger().Info("Mode control", "mode", necModeName(v))
			},
		},
		NECHeartbeatFromPGM: {Name: "HeartbeatFromPGM", Write: func(u Unit, _ int, v uint16) {
			u.Heartbeat().Toggle(v)
		}},
		NECDispatchMode: {
			Name:     "DispatchMode",
			Validate: oneOf("DispatchMode", NECDispatchMode, NECDispatchIdle, NECDispatchRun),
			Write: func(u Unit, _ int, v uint16) {
				u.Logger().Info("Dispatch mode", "dispatch", v == NECDispatchRun)
			},
		},
		NECRealPowerSlewRate:     {Name: "RealPowerSlewRate", Write: noop},
		NECReactivePowerSlewRate: {Name: "ReactivePowerSlewRate", Write: noop},
		NECAckAlarms:             {Name: "AckAlarms", Write: noop},
	}
	block(t, NECPowerBlockEnable, 2, Register{Name: "PowerBlockEnable", Write: noop})

	p := &Profile{
		name:             NameNEC,
		heartbeatTimeout: necHeartbeatTimeout,
		table:            t,
	}
	if opts.RequireDispatch {
		p.ramp = func(u Unit) bool {
			v, err := u.Registers().Get(NECDispatchMode)
			return err == nil && v == NECDispatchRun
		}
	}
	return p
}

func necModeName(v uint16) string {
	switch v {
	case NECModeShutdown:
		return "shutdown"
	case NECModeManual:
		return "manual"
	case NECModeOperational:
		return "operational"
	}
	return "unknown"
}
