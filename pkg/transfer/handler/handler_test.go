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
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/exchange/memory"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/handler"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/supervisor"
	"github.com/raulk/clock"
	microevents "go-micro.dev/v4/events"
)

type finished struct {
	snap transfer.Snapshot
	ns   string
	err  error
}

type fakeOwner struct {
	cfg handler.Config

	mu     sync.Mutex
	claims map[string]int64
	done   []finished
}

func (o *fakeOwner) Config() handler.Config { return o.cfg }

func (o *fakeOwner) Claim(id int64, namespaceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if holder, ok := o.claims[namespaceID]; ok && holder != id {
		return false
	}
	o.claims[namespaceID] = id
	return true
}

func (o *fakeOwner) Done(_ *handler.Handler, snap transfer.Snapshot, namespaceID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claims, namespaceID)
	o.done = append(o.done, finished{snap: snap, ns: namespaceID, err: err})
}

func (o *fakeOwner) results() []finished {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]finished(nil), o.done...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) Publish(_ string, ev interface{}, _ ...microevents.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) published() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.events...)
}

// inbox collects what a destination received.
type inbox struct {
	mu   sync.Mutex
	msgs []messages.Message
}

func (i *inbox) add(m messages.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) all() []messages.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]messages.Message(nil), i.msgs...)
}

var _ = Describe("Handler", func() {
	var (
		ctx   context.Context
		clk   *clock.Mock
		ex    *memory.Exchange
		owner *fakeOwner
		pub   *recordingPublisher
		sup   *supervisor.Supervisor
		h     *handler.Handler

		door    *inbox
		pool    *inbox
		deletes *inbox
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.NewMock()
		ex = memory.New(memory.WithClock(clk))
		owner = &fakeOwner{cfg: testConfig, claims: map[string]int64{}}
		pub = &recordingPublisher{}
		door, pool, deletes = &inbox{}, &inbox{}, &inbox{}

		ex.Handle("PnfsManager", func(_ context.Context, msg messages.Message) (messages.Message, error) {
			switch m := msg.(type) {
			case *messages.GetFileMetadata:
				if m.Path == "/data" {
					return parentDir(), nil
				}
				return existingFile(0o644), nil
			case *messages.CreateEntry:
				return createdEntry(), nil
			case *messages.DeleteEntry:
				deletes.add(m)
				return m, nil
			}
			return nil, errtypes.BadRequest("unexpected " + msg.MessageType())
		})
		ex.Handle("PoolManager", func(_ context.Context, msg messages.Message) (messages.Message, error) {
			m := msg.(*messages.SelectPool)
			m.Pool = "pool-a"
			return m, nil
		})
		ex.Handle("pool-a", func(_ context.Context, msg messages.Message) (messages.Message, error) {
			pool.add(msg)
			if m, ok := msg.(*messages.StartMover); ok {
				m.MoverID = 7
				return m, nil
			}
			return nil, nil
		})
		ex.Handle("door", func(_ context.Context, msg messages.Message) (messages.Message, error) {
			door.add(msg)
			return nil, nil
		})
	})

	newHandler := func(req transfer.Request) *handler.Handler {
		sup = supervisor.New(clk, func(int64) { h.Expire() })
		h = handler.New(ctx, 1, req, handler.Deps{
			Exchange:   ex,
			Publisher:  pub,
			Supervisor: sup,
			Owner:      owner,
			Clock:      clk,
		})
		return h
	}

	phase := func() transfer.Phase { return h.Snapshot().Phase }

	It("runs a store to completion and answers the requester", func() {
		newHandler(storeRequest()).Start()
		Eventually(phase).Should(Equal(transfer.Active))
		Eventually(func() bool { return sup.Pending(1) }).Should(BeTrue())
		Expect(h.Pool()).To(Equal("pool-a"))

		h.Finished(&messages.TransferFinished{TransferID: 1, FileSize: 1024})

		Eventually(door.all).Should(ConsistOf(&messages.TransferComplete{TransferID: 1}))
		Expect(sup.Pending(1)).To(BeFalse())

		results := owner.results()
		Expect(results).To(HaveLen(1))
		Expect(results[0].err).ToNot(HaveOccurred())
		Expect(results[0].ns).To(Equal("0000FILE"))
		Expect(results[0].snap.Phase).To(Equal(transfer.Succeeded))
		Expect(owner.Claim(2, "0000FILE")).To(BeTrue())

		Expect(pub.published()).To(HaveLen(1))
		billed := pub.published()[0].(events.TransferBilled)
		Expect(billed.TransferID).To(Equal(int64(1)))
		Expect(billed.Pool).To(Equal("pool-a"))
		Expect(deletes.all()).To(BeEmpty())
	})

	It("kills the mover and fails with a timeout when the deadline passes", func() {
		newHandler(storeRequest()).Start()
		Eventually(func() bool { return sup.Pending(1) }).Should(BeTrue())

		clk.Add(time.Hour + time.Second)

		Eventually(door.all).Should(HaveLen(1))
		reply := door.all()[0].(*messages.TransferFailed)
		Expect(reply.Code).To(Equal(errtypes.CodeCanceled))
		Expect(pool.all()).To(ContainElement(&messages.KillMover{Pool: "pool-a", MoverID: 7}))
		Expect(deletes.all()).To(HaveLen(1))
		Expect(h.Snapshot().Phase).To(Equal(transfer.Failed))
	})

	It("fails with unavailable when a destination has no route", func() {
		owner.cfg.PoolManager = "nowhere"
		newHandler(storeRequest()).Start()

		Eventually(door.all).Should(HaveLen(1))
		reply := door.all()[0].(*messages.TransferFailed)
		Expect(reply.Code).To(Equal(errtypes.CodeUnavailable))
		Expect(deletes.all()).To(HaveLen(1))
		Expect(owner.results()).To(HaveLen(1))
	})

	It("cancels a running transfer", func() {
		newHandler(storeRequest()).Start()
		Eventually(phase).Should(Equal(transfer.Active))

		h.Cancel(errtypes.Canceled("operator"))

		Eventually(door.all).Should(HaveLen(1))
		Expect(door.all()[0].(*messages.TransferFailed).Code).To(Equal(errtypes.CodeCanceled))
		Expect(sup.Pending(1)).To(BeFalse())
		Expect(h.Snapshot().Message).To(ContainSubstring("operator"))
	})

	It("times out a silent namespace service", func() {
		ex.Handle("PnfsManager", func(context.Context, messages.Message) (messages.Message, error) {
			return nil, nil
		})
		newHandler(restoreRequest()).Start()
		Eventually(phase).Should(Equal(transfer.AwaitingNamespaceLookup))

		Eventually(func() []messages.Message {
			clk.Add(time.Minute)
			return door.all()
		}).Should(HaveLen(1))
		Expect(door.all()[0].(*messages.TransferFailed).Code).To(Equal(errtypes.CodeCanceled))
	})

	It("rejects a second store of the same entry", func() {
		owner.claims["0000FILE"] = 99
		newHandler(storeRequest()).Start()

		Eventually(door.all).Should(HaveLen(1))
		Expect(door.all()[0].(*messages.TransferFailed).Code).To(Equal(errtypes.CodeNamespaceError))
		Expect(owner.Claim(2, "0000FILE")).To(BeFalse())
	})
})
