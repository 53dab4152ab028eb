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

// Package store creates the go-micro key value stores used for audit records
// and id allocation.
package store

import (
	"context"
	"strings"
	"time"

	natsjs "github.com/go-micro/plugins/v4/store/nats-js"
	"github.com/go-micro/plugins/v4/store/redis"
	redisopts "github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"
	"go-micro.dev/v4/logger"
	microstore "go-micro.dev/v4/store"
)

const (
	TypeMemory        = "memory"
	TypeNoop          = "noop"
	TypeRedis         = "redis"
	TypeRedisSentinel = "redis-sentinel"
	TypeNatsJS        = "nats-js"
)

// Table handles msgpack encoded records in one database and table of a store.
type Table interface {
	Pull(key string, dest interface{}) error
	Push(key string, src interface{}) error
	List(opts ...microstore.ListOption) ([]string, error)
	Delete(key string, opts ...microstore.DeleteOption) error
	Close() error
}

// Create initializes a new store
func Create(opts ...microstore.Option) microstore.Store {
	options := &microstore.Options{
		Context: context.Background(),
	}
	for _, o := range opts {
		o(options)
	}

	storeType, _ := options.Context.Value(typeContextKey{}).(string)

	switch storeType {
	case TypeNoop:
		return microstore.NewNoopStore(opts...)
	case TypeRedis:
		return redis.NewStore(opts...)
	case TypeRedisSentinel:
		redisMaster := ""
		redisNodes := []string{}
		for _, node := range options.Nodes {
			parts := strings.SplitN(node, "/", 2)
			if len(parts) != 2 {
				return nil
			}
			// the first node is used to retrieve the redis master
			redisNodes = append(redisNodes, parts[0])
			if redisMaster == "" {
				redisMaster = parts[1]
			}
		}
		return redis.NewStore(
			microstore.Database(options.Database),
			microstore.Table(options.Table),
			microstore.Nodes(redisNodes...),
			redis.WithRedisOptions(redisopts.UniversalOptions{
				MasterName: redisMaster,
			}),
		)
	case TypeNatsJS:
		ttl, _ := options.Context.Value(ttlContextKey{}).(time.Duration)
		// nats has restrictions on the key, transfer ids are plain decimals
		return natsjs.NewStore(
			append(opts,
				natsjs.NatsOptions(nats.Options{Name: "transfermanager"}),
				natsjs.DefaultTTL(ttl))...,
		)
	case TypeMemory, "mem", "":
		return microstore.NewMemoryStore(opts...)
	default:
		// try to log an error
		if options.Logger == nil {
			options.Logger = logger.DefaultLogger
		}
		options.Logger.Logf(logger.ErrorLevel, "unknown store type: '%s', falling back to memory", storeType)
		return microstore.NewMemoryStore(opts...)
	}
}

// NewTable wraps s. Records are written with ttl, zero means forever.
func NewTable(s microstore.Store, database, table string, ttl time.Duration) Table {
	return tableStore{s: s, database: database, table: table, ttl: ttl}
}

type tableStore struct {
	s               microstore.Store
	database, table string
	ttl             time.Duration
}

// Pull reads the value stored under key into dest
func (t tableStore) Pull(key string, dest interface{}) error {
	r, err := t.s.Read(key, microstore.ReadFrom(t.database, t.table), microstore.ReadLimit(1))
	if err != nil {
		if errors.Is(err, microstore.ErrNotFound) {
			return errtypes.NotFound(key)
		}
		return err
	}
	if len(r) == 0 {
		return errtypes.NotFound(key)
	}

	return msgpack.Unmarshal(r[0].Value, dest)
}

// Push writes src under key
func (t tableStore) Push(key string, src interface{}) error {
	b, err := msgpack.Marshal(src)
	if err != nil {
		return err
	}
	opts := []microstore.WriteOption{microstore.WriteTo(t.database, t.table)}
	if t.ttl > 0 {
		opts = append(opts, microstore.WriteTTL(t.ttl))
	}
	return t.s.Write(&microstore.Record{Key: key, Value: b}, opts...)
}

// List lists the keys of the table
func (t tableStore) List(opts ...microstore.ListOption) ([]string, error) {
	o := []microstore.ListOption{
		microstore.ListFrom(t.database, t.table),
	}
	o = append(o, opts...)
	keys, err := t.s.List(o...)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, t.table)
	}
	return keys, nil
}

// Delete deletes the given key
func (t tableStore) Delete(key string, opts ...microstore.DeleteOption) error {
	o := []microstore.DeleteOption{
		microstore.DeleteFrom(t.database, t.table),
	}
	o = append(o, opts...)
	return t.s.Delete(key, o...)
}

// Close closes the underlying store
func (t tableStore) Close() error {
	return t.s.Close()
}
