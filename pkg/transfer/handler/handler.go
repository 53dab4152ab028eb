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

// Package handler drives a single transfer through its phases. The Machine
// decides, the Handler executes: every input of a transfer is queued in its
// mailbox and applied by one goroutine at a time, and the resulting effects
// are carried out against the exchange, the audit sink, the event stream and
// the supervisor.
package handler

import (
	"context"
	"sync"
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/exchange"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/audit"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/metrics"
	"github.com/raulk/clock"
	"github.com/rs/zerolog"
)

// Owner is the process-wide side of a handler.
type Owner interface {
	// Config returns the settings for the next transition.
	Config() Config
	// Claim marks namespaceID as being stored by transfer id.
	Claim(id int64, namespaceID string) bool
	// Done is called once, when the transfer reached a terminal phase and
	// before the requester is answered.
	Done(h *Handler, snap transfer.Snapshot, namespaceID string, err error)
}

// Timer arms and disarms mover deadlines.
type Timer interface {
	Arm(id int64, d time.Duration)
	Disarm(id int64) bool
}

// Deps are the collaborators of a handler.
type Deps struct {
	Exchange   exchange.Exchange
	Publisher  events.Publisher
	Sink       audit.Sink
	Supervisor Timer
	Owner      Owner
	Clock      clock.Clock
}

// Handler owns one transfer.
type Handler struct {
	id   int64
	ctx  context.Context
	log  *zerolog.Logger
	deps Deps

	machine *Machine

	mu      sync.Mutex
	queue   []Event
	running bool

	smu  sync.RWMutex
	snap transfer.Snapshot
}

// New returns the handler of an admitted request. Nothing happens before Start.
func New(ctx context.Context, id int64, req transfer.Request, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Sink == nil {
		deps.Sink = audit.Nop{}
	}
	ctx = appctx.WithTransfer(ctx, id)
	h := &Handler{
		id:      id,
		ctx:     ctx,
		log:     appctx.GetLogger(ctx),
		deps:    deps,
		machine: NewMachine(id, req, deps.Clock.Now()),
	}
	h.snap = h.machine.Snapshot(deps.Clock.Now())
	return h
}

// ID returns the transfer id.
func (h *Handler) ID() int64 {
	return h.id
}

// Pool returns the pool serving the transfer, if one was selected.
func (h *Handler) Pool() string {
	return h.Snapshot().Pool
}

// Snapshot returns the state after the last applied event.
func (h *Handler) Snapshot() transfer.Snapshot {
	h.smu.RLock()
	defer h.smu.RUnlock()
	return h.snap
}

// Start begins processing.
func (h *Handler) Start() {
	h.Dispatch(Start{})
}

// Cancel aborts the transfer with reason as outward error.
func (h *Handler) Cancel(reason error) {
	h.Dispatch(Cancel{Reason: reason})
}

// Finished delivers the mover's final report.
func (h *Handler) Finished(msg *messages.TransferFinished) {
	h.Dispatch(Finished{Msg: msg})
}

// Expire reports that the mover deadline passed.
func (h *Handler) Expire() {
	h.Dispatch(Expired{})
}

// Dispatch queues ev. If no other goroutine is draining the mailbox the
// caller drains it, so Dispatch may run transitions before it returns.
func (h *Handler) Dispatch(ev Event) {
	h.mu.Lock()
	h.queue = append(h.queue, ev)
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.process(next)
	}
}

func (h *Handler) process(ev Event) {
	now := h.deps.Clock.Now()
	env := Env{
		Config: h.deps.Owner.Config(),
		Now:    now,
		Claim: func(namespaceID string) bool {
			return h.deps.Owner.Claim(h.ID(), namespaceID)
		},
	}

	before := h.machine.State().Phase
	effects, err := h.machine.Handle(ev, env)
	if err != nil {
		h.log.Debug().Err(err).Str("phase", before.String()).Msgf("ignoring %T", ev)
	}

	snap := h.machine.Snapshot(now)
	h.smu.Lock()
	h.snap = snap
	h.smu.Unlock()

	if snap.Phase != before {
		h.log.Debug().Str("from", before.String()).Str("to", snap.Phase.String()).Msg("transition")
	}

	for _, e := range effects {
		h.execute(e, snap)
	}
}

func (h *Handler) execute(eff Effect, snap transfer.Snapshot) {
	switch e := eff.(type) {
	case Call:
		if _, ok := e.Msg.(*messages.DeleteEntry); ok && snap.Retries > 0 {
			metrics.DeleteRetries.Inc()
		}
		cb := callback{h: h, seq: e.Seq}
		if err := h.deps.Exchange.Send(h.ctx, e.Destination, e.Msg, e.Timeout, cb); err != nil {
			h.log.Warn().Err(err).Str("destination", e.Destination).Str("type", e.Msg.MessageType()).Msg("error sending request")
			h.Dispatch(ReplyError{Seq: e.Seq, Err: err})
		}
	case Notify:
		if err := h.deps.Exchange.Notify(h.ctx, e.Destination, e.Msg); err != nil {
			h.log.Warn().Err(err).Str("destination", e.Destination).Str("type", e.Msg.MessageType()).Msg("error sending notification")
		}
	case Persist:
		h.deps.Sink.Persist(h.ctx, e.Snapshot)
	case Bill:
		if h.deps.Publisher == nil {
			return
		}
		if err := events.Publish(h.deps.Publisher, e.Record); err != nil {
			h.log.Error().Err(err).Msg("error publishing billing record")
		}
	case Arm:
		h.deps.Supervisor.Arm(h.ID(), e.Timeout)
	case Disarm:
		h.deps.Supervisor.Disarm(h.ID())
	case Log:
		h.log.Warn().Err(e.Err).Str("phase", snap.Phase.String()).Msg(e.Msg)
	case Done:
		h.deps.Owner.Done(h, snap, e.Unclaim, e.Err)
		if e.Err != nil {
			h.log.Info().Err(e.Err).Int("code", snap.Code).Msg("transfer failed")
		} else {
			h.log.Info().Str("pool", snap.Pool).Msg("transfer succeeded")
		}
		if to := snap.Request.ReplyTo; to != "" {
			if err := h.deps.Exchange.Notify(h.ctx, to, e.Reply); err != nil {
				h.log.Error().Err(err).Str("destination", to).Msg("error sending transfer reply")
			}
		}
	}
}

type callback struct {
	h   *Handler
	seq uint64
}

func (c callback) AnswerArrived(reply messages.Message) {
	c.h.Dispatch(Reply{Seq: c.seq, Msg: reply})
}

func (c callback) AnswerTimedOut() {
	c.h.Dispatch(ReplyTimeout{Seq: c.seq})
}

func (c callback) ExceptionArrived(err error) {
	c.h.Dispatch(ReplyError{Seq: c.seq, Err: err})
}
