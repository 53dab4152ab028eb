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

package store

import (
	"context"
	"time"

	microstore "go-micro.dev/v4/store"
)

type typeContextKey struct{}

// Store determines the implementation:
//   - "memory", for a in-memory implementation, which is the default if no matching store is supplied
//   - "noop", a noop store (it doesn't do anything)
//   - "redis", for a redis store
//   - "redis-sentinel", for a redis store with a sentinel, nodes are given as "host:port/master"
//   - "nats-js", for a nats-js store
func Store(val string) microstore.Option {
	return func(o *microstore.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}

		o.Context = context.WithValue(o.Context, typeContextKey{}, val)
	}
}

type ttlContextKey struct{}

// TTL is the time to live for documents stored in the store
func TTL(val time.Duration) microstore.Option {
	return func(o *microstore.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}

		o.Context = context.WithValue(o.Context, ttlContextKey{}, val)
	}
}
