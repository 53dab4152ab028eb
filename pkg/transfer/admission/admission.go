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

// Package admission bounds the number of concurrently active transfers.
package admission

import (
	"sync/atomic"

	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
)

// Controller counts active transfers against a limit. It never blocks.
type Controller struct {
	max    atomic.Int64
	active atomic.Int64
}

// New returns a controller admitting up to max transfers.
func New(max int) *Controller {
	c := &Controller{}
	c.max.Store(int64(max))
	return c
}

// TryAdmit takes a slot if one is free.
func (c *Controller) TryAdmit() bool {
	for {
		active := c.active.Load()
		if active >= c.max.Load() {
			return false
		}
		if c.active.CompareAndSwap(active, active+1) {
			return true
		}
	}
}

// Release gives a slot back. The count never drops below zero.
func (c *Controller) Release() {
	for {
		active := c.active.Load()
		if active <= 0 {
			return
		}
		if c.active.CompareAndSwap(active, active-1) {
			return
		}
	}
}

// Active returns the number of taken slots.
func (c *Controller) Active() int {
	return int(c.active.Load())
}

// Max returns the limit.
func (c *Controller) Max() int {
	return int(c.max.Load())
}

// SetMax changes the limit. Transfers already admitted above a lowered limit
// keep running.
func (c *Controller) SetMax(max int) error {
	if max <= 0 {
		return errtypes.BadRequest("max transfers must be positive")
	}
	c.max.Store(int64(max))
	return nil
}
