// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package supervisor arms one-shot deadlines for running movers.
package supervisor

import (
	"sync"
	"time"

	"github.com/raulk/clock"
)

type entry struct {
	timer *clock.Timer
	gen   uint64
}

// Supervisor calls onFire with the transfer id when a deadline expires. A
// deadline fires at most once and never after it was disarmed or re-armed.
// onFire runs on its own goroutine, never on the clock's.
type Supervisor struct {
	clock  clock.Clock
	onFire func(id int64)

	mu      sync.Mutex
	gen     uint64
	entries map[int64]entry
	stopped bool
}

// New returns a supervisor using c for its timers.
func New(c clock.Clock, onFire func(id int64)) *Supervisor {
	return &Supervisor{
		clock:   c,
		onFire:  onFire,
		entries: map[int64]entry{},
	}
}

// Arm sets the deadline of id to d from now, replacing an earlier one.
func (s *Supervisor) Arm(id int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if e, ok := s.entries[id]; ok {
		e.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.entries[id] = entry{
		gen:   gen,
		timer: s.clock.AfterFunc(d, func() { go s.fire(id, gen) }),
	}
}

// Disarm cancels the deadline of id. It reports whether one was pending.
func (s *Supervisor) Disarm(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, id)
	return true
}

// Pending reports whether id has an armed deadline.
func (s *Supervisor) Pending(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of armed deadlines.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop disarms everything. Arm is a no-op afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

func (s *Supervisor) fire(id int64, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.mu.Unlock()

	s.onFire(id)
}
