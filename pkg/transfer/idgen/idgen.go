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

// Package idgen hands out transfer ids.
package idgen

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/store"
)

// Generator returns unique positive transfer ids.
type Generator interface {
	Next(ctx context.Context) int64
}

// Counter is an in-memory Generator. After math.MaxInt64 it wraps to 1.
type Counter struct {
	next atomic.Int64
}

// NewCounter returns a counter whose first id is start, or 1 if start is not positive.
func NewCounter(start int64) *Counter {
	if start <= 0 {
		start = 1
	}
	c := &Counter{}
	c.next.Store(start)
	return c
}

// Next implements Generator.
func (c *Counter) Next(context.Context) int64 {
	for {
		cur := c.next.Load()
		n := cur + 1
		if cur == math.MaxInt64 {
			n = 1
		}
		if c.next.CompareAndSwap(cur, n) {
			return cur
		}
	}
}

// Advance makes sure no id below min is returned anymore.
func (c *Counter) Advance(min int64) {
	for {
		cur := c.next.Load()
		if cur >= min || c.next.CompareAndSwap(cur, min) {
			return
		}
	}
}

const nextKey = "next"

// Store is a Generator that reserves blocks of ids in a store table, so ids
// are not reused after a restart. When the store fails it falls back to an
// in-memory counter. Ids never go below the highest one issued by either source.
type Store struct {
	table store.Table
	block int64

	mu       sync.Mutex
	next     int64
	limit    int64
	fallback *Counter
}

// NewStore returns a Store reserving block ids per store round trip.
func NewStore(t store.Table, block int64, fallback *Counter) *Store {
	if block <= 0 {
		block = 1000
	}
	return &Store{table: t, block: block, fallback: fallback}
}

// Next implements Generator.
func (s *Store) Next(ctx context.Context) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.limit {
		if err := s.reserve(); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Msg("idgen: error reserving ids, using in-memory counter")
			s.fallback.Advance(s.next)
			id := s.fallback.Next(ctx)
			s.next, s.limit = id+1, id+1
			return id
		}
	}
	id := s.next
	s.next++
	return id
}

func (s *Store) reserve() error {
	var start int64
	if err := s.table.Pull(nextKey, &start); err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return err
		}
	}
	if start < s.next {
		start = s.next
	}
	if start <= 0 || start > math.MaxInt64-s.block {
		start = 1
	}
	limit := start + s.block
	if err := s.table.Push(nextKey, limit); err != nil {
		return err
	}
	s.next, s.limit = start, limit
	return nil
}
