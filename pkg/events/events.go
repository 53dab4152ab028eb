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

// Package events publishes and consumes the transfer manager's own typed
// events, billing records and rejections, over a go-micro stream.
package events

import (
	"reflect"

	"github.com/rs/zerolog/log"
	"go-micro.dev/v4/events"
)

var (
	// Topic carries every event the transfer manager emits. Consumers in the
	// same group share one copy of each event.
	Topic = "transfermanager.events"

	// MetadatakeyEventType is the metadata key naming the go type of a payload.
	MetadatakeyEventType = "eventtype"
)

type (
	// Unmarshaller decodes the payload of one event type.
	Unmarshaller interface {
		Unmarshal([]byte) (interface{}, error)
	}

	// Publisher is the sending side of a stream.
	Publisher interface {
		Publish(string, interface{}, ...events.PublishOption) error
	}

	// Consumer is the receiving side of a stream.
	Consumer interface {
		Consume(string, ...events.ConsumeOption) (<-chan events.Event, error)
	}

	// Stream is both.
	Stream interface {
		Publisher
		Consumer
	}
)

func typeName(v interface{}) string {
	return reflect.TypeOf(v).String()
}

// Consume decodes the events of Topic whose type is one of evs. Other types
// are dropped. The returned channel closes with the underlying one.
func Consume(s Consumer, group string, evs ...Unmarshaller) (<-chan interface{}, error) {
	in, err := s.Consume(Topic, events.WithGroup(group))
	if err != nil {
		return nil, err
	}

	known := make(map[string]Unmarshaller, len(evs))
	for _, e := range evs {
		known[typeName(e)] = e
	}

	out := make(chan interface{})
	go func() {
		defer close(out)
		for e := range in {
			name := e.Metadata[MetadatakeyEventType]
			u, ok := known[name]
			if !ok {
				continue
			}
			ev, err := u.Unmarshal(e.Payload)
			if err != nil {
				log.Error().Err(err).Str("eventtype", name).Msg("events: dropping undecodable event")
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

// Publish sends ev to Topic, tagged with its type name.
func Publish(s Publisher, ev interface{}) error {
	return s.Publish(Topic, ev, events.WithMetadata(map[string]string{
		MetadatakeyEventType: typeName(ev),
	}))
}
