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

// Package exchange defines how the transfer manager talks to its
// collaborators: request/reply calls with a deadline and one-way notifications.
package exchange

import (
	"context"
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
)

// Callback receives the outcome of a Send. Exactly one of its methods is
// called, at most once, and never from within Send itself.
type Callback interface {
	// AnswerArrived delivers the reply.
	AnswerArrived(reply messages.Message)
	// AnswerTimedOut is called when no reply arrived before the deadline.
	AnswerTimedOut()
	// ExceptionArrived is called when the request could not be delivered or
	// the responder failed.
	ExceptionArrived(err error)
}

// Exchange sends messages to named destinations.
type Exchange interface {
	// Send delivers msg to destination and reports the outcome to cb. When
	// Send returns an error cb is never called.
	Send(ctx context.Context, destination string, msg messages.Message, timeout time.Duration, cb Callback) error
	// Notify delivers msg to destination without waiting for an answer.
	Notify(ctx context.Context, destination string, msg messages.Message) error
}

// CallbackFuncs adapts three functions to a Callback. Nil functions are skipped.
type CallbackFuncs struct {
	OnAnswer    func(reply messages.Message)
	OnTimeout   func()
	OnException func(err error)
}

// AnswerArrived implements Callback.
func (c CallbackFuncs) AnswerArrived(reply messages.Message) {
	if c.OnAnswer != nil {
		c.OnAnswer(reply)
	}
}

// AnswerTimedOut implements Callback.
func (c CallbackFuncs) AnswerTimedOut() {
	if c.OnTimeout != nil {
		c.OnTimeout()
	}
}

// ExceptionArrived implements Callback.
func (c CallbackFuncs) ExceptionArrived(err error) {
	if c.OnException != nil {
		c.OnException(err)
	}
}
