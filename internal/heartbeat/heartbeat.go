// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package heartbeat

// State tracks the liveness signal written by the controlling client.
// The counter advances once per supervisor tick and is cleared whenever the
// client writes the expected pattern. A threshold of 0 disables staleness.
// State is not safe for concurrent use.
type State struct {
	counter   uint16
	threshold uint16
	last      uint16
	expected  uint16
	stale     bool
}

func New(threshold uint16) *State {
	return &State{threshold: threshold}
}

// Echo handles a client that writes the complement of its previous value.
// The first expected value is 0. It reports whether the write was accepted
// as a liveness pulse.
func (s *State) Echo(value uint16) bool {
	ok := value == s.expected
	s.expected = ^value
	if ok {
		s.Reset()
	}
	return ok
}

// Toggle handles a client that flips bit 0 on every write.
func (s *State) Toggle(value uint16) bool {
	ok := value&1 != s.last&1
	s.last = value
	if ok {
		s.Reset()
	}
	return ok
}

// SetThreshold replaces the timeout and restarts the count.
func (s *State) SetThreshold(threshold uint16) {
	s.threshold = threshold
	s.Reset()
}

// Reset clears the counter and ends any stale episode.
func (s *State) Reset() {
	s.counter = 0
	s.stale = false
}

// Tick advances the counter. It returns true only on the tick that starts a
// stale episode; the counter restarts from zero after each expiry.
func (s *State) Tick() bool {
	if s.counter < ^uint16(0) {
		s.counter++
	}
	if s.threshold == 0 || s.counter <= s.threshold {
		return false
	}
	s.counter = 0
	if s.stale {
		return false
	}
	s.stale = true
	return true
}

func (s *State) Counter() uint16 { return s.counter }

func (s *State) Threshold() uint16 { return s.threshold }

func (s *State) Stale() bool { return s.stale }
