// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package profile

import "math"

const (
	GridRelayStateOfCharge  = 1
	GridRelayPowerToDeliver = 2
	GridRelayDebugEnable    = 255
)

// GridRelay models a site whose state of charge is supplied externally and
// whose set-points are forwarded to an upstream service.
func GridRelay() *Profile {
	t := map[uint16]Register{
		GridRelayStateOfCharge: {Name: "StateOfCharge", Read: func(u Unit, _ int) uint16 {
			v, _ := u.Registers().Get(GridRelayStateOfCharge)
			return v
		}},
		GridRelayPowerToDeliver: {Name: "PowerToDeliver", Write: func(u Unit, _ int, v uint16) {
			kw := int32(int16(v))
			u.Logger().Debug("Power to deliver", "kw", kw)
			u.ForwardPower(kw)
		}},
		GridRelayDebugEnable: {Name: "DebugEnable", Write: debugSwitch},
	}
	return &Profile{
		name: NameGridRelay,
		ramp: func(Unit) bool { return false },
		storeSOC: func(u Unit, soc float64) {
			if err := u.Registers().Set(GridRelayStateOfCharge, uint16(math.Round(soc))); err != nil {
				u.Logger().Warn("State of charge register not mapped", "err", err)
			}
		},
		table: t,
	}
}
