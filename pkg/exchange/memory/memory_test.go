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

package memory_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/exchange"
	"github.com/opencloud-eu/transfermanager/pkg/exchange/memory"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/raulk/clock"
)

type outcome struct {
	reply    messages.Message
	timedOut bool
	err      error
}

type recorder struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *recorder) callback() exchange.Callback {
	return exchange.CallbackFuncs{
		OnAnswer:    func(m messages.Message) { r.add(outcome{reply: m}) },
		OnTimeout:   func() { r.add(outcome{timedOut: true}) },
		OnException: func(err error) { r.add(outcome{err: err}) },
	}
}

func (r *recorder) add(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) all() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.outcomes...)
}

var _ = Describe("Exchange", func() {
	var (
		ctx   context.Context
		mock  *clock.Mock
		ex    *memory.Exchange
		recvd *recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		ex = memory.New(memory.WithClock(mock))
		recvd = &recorder{}
	})

	Describe("Send", func() {
		It("delivers the reply of the responder", func() {
			ex.Handle("PnfsManager", func(_ context.Context, m messages.Message) (messages.Message, error) {
				req := m.(*messages.GetFileMetadata)
				req.NamespaceID = "0001"
				return req, nil
			})

			Expect(ex.Send(ctx, "PnfsManager", &messages.GetFileMetadata{Path: "/data"}, time.Minute, recvd.callback())).To(Succeed())
			Eventually(recvd.all).Should(HaveLen(1))
			Expect(recvd.all()[0].reply.(*messages.GetFileMetadata).NamespaceID).To(Equal("0001"))

			mock.Add(2 * time.Minute)
			Consistently(recvd.all, 50*time.Millisecond).Should(HaveLen(1))
		})

		It("times out when the responder stays silent", func() {
			ex.Handle("PoolManager", func(context.Context, messages.Message) (messages.Message, error) {
				return nil, nil
			})

			Expect(ex.Send(ctx, "PoolManager", &messages.SelectPool{}, time.Minute, recvd.callback())).To(Succeed())
			Consistently(recvd.all, 50*time.Millisecond).Should(BeEmpty())

			mock.Add(time.Minute)
			Eventually(recvd.all).Should(HaveLen(1))
			Expect(recvd.all()[0].timedOut).To(BeTrue())
		})

		It("lets the timeout callback read the clock", func() {
			ex.Handle("PoolManager", func(context.Context, messages.Message) (messages.Message, error) {
				return nil, nil
			})
			at := make(chan time.Time, 1)
			cb := exchange.CallbackFuncs{OnTimeout: func() { at <- mock.Now() }}

			Expect(ex.Send(ctx, "PoolManager", &messages.SelectPool{}, time.Minute, cb)).To(Succeed())
			advanced := make(chan struct{})
			go func() {
				mock.Add(time.Minute)
				close(advanced)
			}()
			Eventually(advanced).Should(BeClosed())
			Eventually(at).Should(Receive())
		})

		It("reports responder errors as exceptions", func() {
			ex.Handle("pool-a", func(context.Context, messages.Message) (messages.Message, error) {
				return nil, errors.New("pool is disabled")
			})

			Expect(ex.Send(ctx, "pool-a", &messages.StartMover{}, time.Minute, recvd.callback())).To(Succeed())
			Eventually(recvd.all).Should(HaveLen(1))
			Expect(recvd.all()[0].err).To(MatchError("pool is disabled"))
		})

		It("fails synchronously without a route", func() {
			err := ex.Send(ctx, "SpaceManager", &messages.GetSpaceInfoAndLock{}, time.Minute, recvd.callback())
			Expect(err).To(HaveOccurred())
			_, ok := err.(errtypes.IsUnavailable)
			Expect(ok).To(BeTrue())
			Consistently(recvd.all, 50*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("Notify", func() {
		It("hands the message to the responder", func() {
			got := make(chan messages.Message, 1)
			ex.Handle("pool-a", func(_ context.Context, m messages.Message) (messages.Message, error) {
				got <- m
				return nil, nil
			})

			Expect(ex.Notify(ctx, "pool-a", &messages.KillMover{Pool: "pool-a", MoverID: 3})).To(Succeed())
			Eventually(got).Should(Receive(Equal(&messages.KillMover{Pool: "pool-a", MoverID: 3})))
		})

		It("fails without a route", func() {
			Expect(ex.Notify(ctx, "nowhere", &messages.UnlockSpace{})).ToNot(Succeed())
		})
	})
})
