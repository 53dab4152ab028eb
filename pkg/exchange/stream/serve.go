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

package stream

import (
	"context"
	"encoding/json"

	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/pkg/errors"
	microevents "go-micro.dev/v4/events"
)

// Responder serves the messages arriving on a topic. A nil reply with a nil
// error sends nothing back.
type Responder func(ctx context.Context, msg messages.Message) (messages.Message, error)

// Serve consumes topic as member of group and answers every request that
// carries a reply topic. It returns once the consumer is set up; messages
// are served one at a time until ctx is done.
func Serve(ctx context.Context, s events.Stream, topic, group string, r Responder) error {
	ch, err := s.Consume(topic, microevents.WithGroup(group))
	if err != nil {
		return errors.Wrapf(err, "stream: error consuming %s", topic)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				serve(ctx, s, topic, ev, r)
			}
		}
	}()
	return nil
}

func serve(ctx context.Context, s events.Stream, topic string, ev microevents.Event, r Responder) {
	log := appctx.GetLogger(ctx).With().Str("topic", topic).Logger()

	var env Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		log.Error().Err(err).Msg("can't unmarshal envelope")
		return
	}

	var reply messages.Message
	msg, err := messages.Decode(env.Type, env.Payload)
	if err == nil {
		reply, err = r(ctx, msg)
	}

	if env.ReplyTo == "" {
		if err != nil {
			log.Error().Err(err).Str("type", env.Type).Msg("error serving notification")
		}
		return
	}

	out := Envelope{CorrelationID: env.ID}
	switch {
	case err != nil:
		out.Error = err.Error()
	case reply == nil:
		return
	default:
		typ, b, err := messages.Encode(reply)
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Type = typ
			out.Payload = b
		}
	}
	if err := publish(s, env.ReplyTo, out); err != nil {
		log.Error().Err(err).Str("reply_to", env.ReplyTo).Msg("error publishing reply")
	}
}
