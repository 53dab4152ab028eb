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

// Package memory implements an in-process exchange. Destinations are served
// by Responder functions registered with Handle.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/exchange"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/raulk/clock"
)

// Responder serves one destination. Returning a nil reply and a nil error
// drops the request, so the caller eventually times out.
type Responder func(ctx context.Context, msg messages.Message) (messages.Message, error)

// Option configures an Exchange.
type Option func(e *Exchange)

// WithClock sets the clock used for reply deadlines.
func WithClock(c clock.Clock) Option {
	return func(e *Exchange) {
		e.clock = c
	}
}

// Exchange is an in-memory exchange.Exchange.
type Exchange struct {
	clock clock.Clock

	mu         sync.RWMutex
	responders map[string]Responder
}

var _ exchange.Exchange = (*Exchange)(nil)

// New returns an exchange without any destination.
func New(opts ...Option) *Exchange {
	e := &Exchange{
		clock:      clock.New(),
		responders: map[string]Responder{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Handle registers r for destination, replacing any earlier responder.
func (e *Exchange) Handle(destination string, r Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responders[destination] = r
}

func (e *Exchange) responder(destination string) (Responder, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.responders[destination]
	if !ok {
		return nil, errtypes.Unavailable("no route to " + destination)
	}
	return r, nil
}

// Send implements exchange.Exchange.
func (e *Exchange) Send(ctx context.Context, destination string, msg messages.Message, timeout time.Duration, cb exchange.Callback) error {
	r, err := e.responder(destination)
	if err != nil {
		return err
	}

	var once sync.Once
	timer := e.clock.AfterFunc(timeout, func() {
		go once.Do(cb.AnswerTimedOut)
	})

	go func() {
		reply, err := r(ctx, msg)
		switch {
		case err != nil:
			once.Do(func() {
				timer.Stop()
				cb.ExceptionArrived(err)
			})
		case reply != nil:
			once.Do(func() {
				timer.Stop()
				cb.AnswerArrived(reply)
			})
		default:
			appctx.GetLogger(ctx).Debug().Str("destination", destination).Str("type", msg.MessageType()).Msg("request dropped by responder")
		}
	}()
	return nil
}

// Notify implements exchange.Exchange.
func (e *Exchange) Notify(ctx context.Context, destination string, msg messages.Message) error {
	r, err := e.responder(destination)
	if err != nil {
		return err
	}
	go func() {
		if _, err := r(ctx, msg); err != nil {
			appctx.GetLogger(ctx).Debug().Err(err).Str("destination", destination).Str("type", msg.MessageType()).Msg("notification failed")
		}
	}()
	return nil
}
