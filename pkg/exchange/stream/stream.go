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

// Package stream implements the exchange on top of a go-micro event stream.
// Every destination is a topic. Requests carry the topic the reply must be
// published to, and replies carry the id of the request they answer.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/exchange"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/raulk/clock"
	microevents "go-micro.dev/v4/events"
)

// Envelope is the wire form of a message.
type Envelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Type          string          `json:"type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func newEnvelope(msg messages.Message) (Envelope, error) {
	typ, b, err := messages.Encode(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: uuid.New().String(), Type: typ, Payload: b}, nil
}

func publish(s events.Publisher, topic string, env Envelope) error {
	return s.Publish(topic, env, microevents.WithMetadata(map[string]string{
		events.MetadatakeyEventType: env.Type,
	}))
}

// Option configures an Exchange.
type Option func(e *Exchange)

// WithClock sets the clock used for reply deadlines.
func WithClock(c clock.Clock) Option {
	return func(e *Exchange) {
		e.clock = c
	}
}

type call struct {
	mu    sync.Mutex
	cb    exchange.Callback
	timer *clock.Timer
}

func (c *call) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Exchange is an exchange.Exchange publishing to an events.Stream.
type Exchange struct {
	stream     events.Stream
	replyTopic string
	clock      clock.Clock
	pending    *xsync.MapOf[string, *call]
}

var _ exchange.Exchange = (*Exchange)(nil)

// New returns an exchange that receives its replies on replyTopic. Replies
// are consumed until ctx is done.
func New(ctx context.Context, s events.Stream, replyTopic string, opts ...Option) (*Exchange, error) {
	e := &Exchange{
		stream:     s,
		replyTopic: replyTopic,
		clock:      clock.New(),
		pending:    xsync.NewMapOf[*call](),
	}
	for _, o := range opts {
		o(e)
	}

	ch, err := s.Consume(replyTopic, microevents.WithGroup(replyTopic))
	if err != nil {
		return nil, errors.Wrap(err, "stream: error consuming replies")
	}
	go e.replies(ctx, ch)
	return e, nil
}

// Send implements exchange.Exchange.
func (e *Exchange) Send(ctx context.Context, destination string, msg messages.Message, timeout time.Duration, cb exchange.Callback) error {
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}
	env.ReplyTo = e.replyTopic

	c := &call{cb: cb}
	c.mu.Lock()
	e.pending.Store(env.ID, c)
	c.timer = e.clock.AfterFunc(timeout, func() {
		if _, ok := e.pending.LoadAndDelete(env.ID); ok {
			go cb.AnswerTimedOut()
		}
	})
	c.mu.Unlock()

	if err := publish(e.stream, destination, env); err != nil {
		if _, ok := e.pending.LoadAndDelete(env.ID); ok {
			c.stop()
		}
		return errtypes.Unavailable(destination + ": " + err.Error())
	}
	return nil
}

// Notify implements exchange.Exchange.
func (e *Exchange) Notify(_ context.Context, destination string, msg messages.Message) error {
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}
	if err := publish(e.stream, destination, env); err != nil {
		return errtypes.Unavailable(destination + ": " + err.Error())
	}
	return nil
}

// Pending returns the number of calls waiting for a reply.
func (e *Exchange) Pending() int {
	return e.pending.Size()
}

func (e *Exchange) replies(ctx context.Context, ch <-chan microevents.Event) {
	log := appctx.GetLogger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				log.Error().Err(err).Msg("can't unmarshal reply envelope")
				continue
			}
			c, ok := e.pending.LoadAndDelete(env.CorrelationID)
			if !ok {
				log.Debug().Str("correlation_id", env.CorrelationID).Str("type", env.Type).Msg("reply without pending request")
				continue
			}
			c.stop()
			go deliver(c.cb, env)
		}
	}
}

func deliver(cb exchange.Callback, env Envelope) {
	if env.Error != "" {
		cb.ExceptionArrived(errors.New(env.Error))
		return
	}
	m, err := messages.Decode(env.Type, env.Payload)
	if err != nil {
		cb.ExceptionArrived(err)
		return
	}
	cb.AnswerArrived(m)
}
