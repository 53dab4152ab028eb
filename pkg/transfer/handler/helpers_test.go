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

package handler_test

import (
	"time"

	. "github.com/onsi/gomega"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/handler"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
)

const (
	uid = 100
	gid = 200
)

var testConfig = handler.Config{
	Namespace:           "PnfsManager",
	PoolManager:         "PoolManager",
	SpaceManager:        "SpaceManager",
	Initiator:           "transfermanager",
	IOQueue:             "wan",
	NamespaceTimeout:    time.Minute,
	PoolManagerTimeout:  time.Minute,
	PoolTimeout:         time.Minute,
	SpaceManagerTimeout: time.Minute,
	MoverTimeout:        time.Hour,
	MaxDeleteRetries:    1,
}

func storeRequest() transfer.Request {
	return transfer.Request{
		User:      "alice",
		UID:       uid,
		GID:       gid,
		Path:      "/data/f",
		Direction: transfer.Store,
		RemoteURL: "gsiftp://remote.example.org/f",
		ReplyTo:   "door",
	}
}

func restoreRequest() transfer.Request {
	r := storeRequest()
	r.Direction = transfer.Restore
	return r
}

func find[T handler.Effect](effs []handler.Effect) []T {
	found := []T{}
	for _, e := range effs {
		if t, ok := e.(T); ok {
			found = append(found, t)
		}
	}
	return found
}

func singleCall(effs []handler.Effect) handler.Call {
	calls := find[handler.Call](effs)
	ExpectWithOffset(1, calls).To(HaveLen(1))
	return calls[0]
}

func doneOf(effs []handler.Effect) handler.Done {
	done := find[handler.Done](effs)
	ExpectWithOffset(1, done).To(HaveLen(1))
	return done[0]
}

func withStatus[T interface{ Fail(int, string) }](m T, code int, msg string) T {
	m.Fail(code, msg)
	return m
}

func parentDir() *messages.GetFileMetadata {
	return &messages.GetFileMetadata{
		Path:        "/data",
		NamespaceID: "0000PARENT",
		Metadata:    &transfer.FileMetadata{Owner: uid, Group: gid, Mode: 0o755, Dir: true},
	}
}

func createdEntry() *messages.CreateEntry {
	return &messages.CreateEntry{
		Path:        "/data/f",
		NamespaceID: "0000FILE",
		Metadata:    &transfer.FileMetadata{Owner: uid, Group: gid, Mode: 0o644},
	}
}

func existingFile(mode uint32) *messages.GetFileMetadata {
	return &messages.GetFileMetadata{
		Path:        "/data/f",
		NamespaceID: "0000FILE",
		Metadata:    &transfer.FileMetadata{Owner: uid, Group: gid, Mode: mode, Size: 1024},
	}
}

// driver feeds events to a machine and keeps the clock and the outstanding call.
type driver struct {
	m    *handler.Machine
	cfg  handler.Config
	now  time.Time
	last handler.Call

	claim func(string) bool
}

func newDriver(req transfer.Request) *driver {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &driver{
		m:   handler.NewMachine(1, req, now),
		cfg: testConfig,
		now: now,
	}
}

func (d *driver) handle(ev handler.Event) []handler.Effect {
	effs, err := d.m.Handle(ev, handler.Env{Config: d.cfg, Now: d.now, Claim: d.claim})
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	if calls := find[handler.Call](effs); len(calls) > 0 {
		d.last = calls[len(calls)-1]
	}
	return effs
}

func (d *driver) answer(msg messages.Message) []handler.Effect {
	effs, err := d.m.Handle(handler.Reply{Seq: d.last.Seq, Msg: msg}, handler.Env{Config: d.cfg, Now: d.now, Claim: d.claim})
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	if calls := find[handler.Call](effs); len(calls) > 0 {
		d.last = calls[len(calls)-1]
	}
	return effs
}

func (d *driver) phase() transfer.Phase {
	return d.m.State().Phase
}

// toActive drives a store request up to a running mover on pool-a.
func (d *driver) toActive() {
	d.handle(handler.Start{})
	d.answer(parentDir())
	d.answer(createdEntry())
	d.answer(&messages.SelectPool{Pool: "pool-a"})
	d.answer(&messages.StartMover{MoverID: 7})
	ExpectWithOffset(1, d.phase()).To(Equal(transfer.Active))
}
