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

// Package stream provides streaming clients used by `Consume` and `Publish` methods
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go-micro.dev/v4/events"
)

const subscriberBuffer = 256

// Memory is a topic based in-memory stream. Every consumer group of a topic
// receives each event once; within a group events are dealt round robin.
// Useful for tests or in memory applications
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[string]*group
	closed bool
}

type group struct {
	subs []chan events.Event
	next atomic.Uint64
}

// NewMemory returns an empty in-memory stream.
func NewMemory() *Memory {
	return &Memory{topics: map[string]map[string]*group{}}
}

// Publish implementation
func (m *Memory) Publish(topic string, msg interface{}, opts ...events.PublishOption) error {
	o := events.PublishOptions{Timestamp: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	switch v := msg.(type) {
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		payload = b
	}

	ev := events.Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: o.Timestamp,
		Metadata:  o.Metadata,
		Payload:   payload,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for _, g := range m.topics[topic] {
		if len(g.subs) == 0 {
			continue
		}
		i := (g.next.Add(1) - 1) % uint64(len(g.subs))
		g.subs[i] <- ev
	}
	return nil
}

// Consume implementation
func (m *Memory) Consume(topic string, opts ...events.ConsumeOption) (<-chan events.Event, error) {
	o := events.ConsumeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Group == "" {
		o.Group = uuid.New().String()
	}

	c := make(chan events.Event, subscriberBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(c)
		return c, nil
	}
	groups, ok := m.topics[topic]
	if !ok {
		groups = map[string]*group{}
		m.topics[topic] = groups
	}
	g, ok := groups[o.Group]
	if !ok {
		g = &group{}
		groups[o.Group] = g
	}
	g.subs = append(g.subs, c)
	return c, nil
}

// Close closes all consumer channels. Publishing after Close is a no-op.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, groups := range m.topics {
		for _, g := range groups {
			for _, c := range g.subs {
				close(c)
			}
		}
	}
	m.topics = map[string]map[string]*group{}
}
