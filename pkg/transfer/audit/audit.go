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

// Package audit persists transfer snapshots.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/store"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/pkg/errors"
	microstore "go-micro.dev/v4/store"
)

// Sink receives a snapshot after every phase change. Persist must not block
// for long and never fails the transfer.
type Sink interface {
	Persist(ctx context.Context, snap transfer.Snapshot)
}

// Nop is a Sink dropping every snapshot.
type Nop struct{}

// Persist implements Sink.
func (Nop) Persist(context.Context, transfer.Snapshot) {}

// Store keeps the latest snapshot of running transfers in an "active" table
// and moves terminal snapshots into a "finished" table.
type Store struct {
	active   store.Table
	finished store.Table
}

var _ Sink = (*Store)(nil)

// New returns a Store on s. Finished snapshots expire after ttl, zero keeps them.
func New(s microstore.Store, database string, ttl time.Duration) *Store {
	return &Store{
		active:   store.NewTable(s, database, "active", 0),
		finished: store.NewTable(s, database, "finished", ttl),
	}
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Persist implements Sink.
func (s *Store) Persist(ctx context.Context, snap transfer.Snapshot) {
	log := appctx.GetLogger(ctx)
	if !snap.Terminal {
		if err := s.active.Push(key(snap.ID), snap); err != nil {
			log.Error().Err(err).Int64("transfer_id", snap.ID).Msg("audit: error persisting snapshot")
		}
		return
	}

	if err := s.finished.Push(key(snap.ID), snap); err != nil {
		log.Error().Err(err).Int64("transfer_id", snap.ID).Msg("audit: error persisting final snapshot")
	}
	if err := s.active.Delete(key(snap.ID)); err != nil {
		log.Debug().Err(err).Int64("transfer_id", snap.ID).Msg("audit: error removing active snapshot")
	}
}

// Get returns the latest snapshot of id, running or finished.
func (s *Store) Get(id int64) (transfer.Snapshot, error) {
	var snap transfer.Snapshot
	err := s.active.Pull(key(id), &snap)
	if err == nil {
		return snap, nil
	}
	if _, ok := err.(errtypes.IsNotFound); !ok {
		return snap, errors.Wrap(err, "audit: error reading active snapshot")
	}
	if err := s.finished.Pull(key(id), &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Active returns the snapshots of all transfers that have not finished.
func (s *Store) Active() ([]transfer.Snapshot, error) {
	keys, err := s.active.List()
	if err != nil {
		return nil, errors.Wrap(err, "audit: error listing active snapshots")
	}
	snaps := make([]transfer.Snapshot, 0, len(keys))
	for _, k := range keys {
		var snap transfer.Snapshot
		if err := s.active.Pull(k, &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Abandon marks every active snapshot as failed. Used on startup, when no
// handler is left to finish what a previous process started.
func (s *Store) Abandon(ctx context.Context, now time.Time) (int, error) {
	snaps, err := s.Active()
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		snap.Phase = transfer.Failed
		snap.Terminal = true
		snap.Code = errtypes.CodeInternal
		snap.Message = "transfer manager restarted"
		snap.FinishedAt = now
		snap.UpdatedAt = now
		s.Persist(ctx, snap)
	}
	return len(snaps), nil
}
