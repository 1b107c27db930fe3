// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package profile

const (
	TeslaEnableDebug            = 1
	TeslaDumpMemory             = 2
	TeslaFirmwareVersion        = 101
	TeslaStatusFullChargeEnergy = 205
	TeslaStatusNominalEnergy    = 207
	TeslaRealMode               = 1000
	TeslaPowerBlock             = 1002
	TeslaDirectPower            = 1020
	TeslaDirectRealHeartbeat    = 1022
	TeslaDirectRealTimeout      = 1023

	teslaHeartbeatTimeout = 60
	teslaFirmware         = "V0.1.3"
)

type TeslaOptions struct {
	// FullChargeEnergy is reported in kWh by the status energy block.
	FullChargeEnergy uint32
}

func DefaultTeslaOptions() TeslaOptions {
	return TeslaOptions{FullChargeEnergy: 100}
}

// Tesla models a Powerpack site controller.
func Tesla(opts TeslaOptions) *Profile {
	t := map[uint16]Register{
		TeslaEnableDebug: {Name: "EnableDebug", Write: debugSwitch},
		TeslaDumpMemory: {Name: "DumpMemory", Write: func(u Unit, _ int, v uint16) {
			if v != 0 {
				u.RequestSnapshot()
			}
		}},
		TeslaRealMode:   {Name: "RealMode", Write: logged("RealMode")},
		TeslaPowerBlock: {Name: "PowerBlock", Write: logged("PowerBlock")},
		TeslaDirectRealHeartbeat: {Name: "DirectRealHeartbeat", Write: func(u Unit, _ int, v uint16) {
			u.Heartbeat().Echo(v)
		}},
		TeslaDirectRealTimeout: {Name: "DirectRealTimeout", Write: func(u Unit, _ int, v uint16) {
			u.Heartbeat().SetThreshold(v)
			u.Logger().Info("Heartbeat timeout changed", "timeout", v)
		}},
	}

	block(t, TeslaFirmwareVersion, (len(teslaFirmware)+1)/2, Register{
		Name: "FirmwareVersion",
		Read: func(_ Unit, index int) uint16 { return packASCII(teslaFirmware, index) },
	})
	block(t, TeslaStatusFullChargeEnergy, 2, Register{
		Name: "StatusFullChargeEnergy",
		Read: func(_ Unit, index int) uint16 { return word(opts.FullChargeEnergy, index) },
	})
	block(t, TeslaStatusNominalEnergy, 2, Register{
		Name: "StatusNominalEnergy",
		Read: func(u Unit, index int) uint16 {
			nominal := uint32(float64(opts.FullChargeEnergy) * u.Battery().SOC() / 100)
			return word(nominal, index)
		},
	})
	block(t, TeslaDirectPower, 2, Register{Name: "DirectPower", Write: teslaDirectPower})

	return &Profile{
		name:             NameTesla,
		heartbeatTimeout: teslaHeartbeatTimeout,
		table:            t,
	}
}

// teslaDirectPower commits the 32-bit set-point when its low word arrives.
func teslaDirectPower(u Unit, index int, _ uint16) {
	if index != 1 {
		return
	}
	raw, err := u.Registers().Uint32(TeslaDirectPower)
	if err != nil {
		u.Logger().Warn("DirectPower block outside register window", "err", err)
		return
	}
	kw := int32(raw)
	u.Battery().Command(kw)
	u.Logger().Debug("Direct power set-point", "kw", kw, "mode", u.Battery().Mode())
}

// word returns the high (index 0) or low (index 1) half of v.
func word(v uint32, index int) uint16 {
	if index == 0 {
		return uint16(v >> 16)
	}
	return uint16(v)
}

// packASCII returns two characters of s, high byte first.
func packASCII(s string, index int) uint16 {
	var hi, lo byte
	if i := index * 2; i < len(s) {
		hi = s[i]
	}
	if i := index*2 + 1; i < len(s) {
		lo = s[i]
	}
	return uint16(hi)<<8 | uint16(lo)
}
