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

// Package registry maps transfer ids to their handlers.
package registry

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v2"
)

// Entry is what the registry holds.
type Entry interface {
	ID() int64
	Pool() string
}

// Registry is a concurrent map of active transfers. All methods are safe
// for concurrent use, including Remove from within an entry's own goroutine.
type Registry[T Entry] struct {
	entries *xsync.MapOf[int64, T]
}

// New returns an empty registry.
func New[T Entry]() *Registry[T] {
	return &Registry[T]{entries: xsync.NewIntegerMapOf[int64, T]()}
}

// Register adds e under its id. Registering an id twice is an error.
func (r *Registry[T]) Register(e T) error {
	if _, loaded := r.entries.LoadOrStore(e.ID(), e); loaded {
		return errtypes.InternalError("transfer " + strconv.FormatInt(e.ID(), 10) + " is already registered")
	}
	return nil
}

// Lookup returns the entry registered under id.
func (r *Registry[T]) Lookup(id int64) (T, bool) {
	return r.entries.Load(id)
}

// Remove drops id. Removing an unknown id is a no-op.
func (r *Registry[T]) Remove(id int64) {
	r.entries.Delete(id)
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	return r.entries.Size()
}

// FindAll returns the entries matching pred ordered by id. A nil pred matches all.
func (r *Registry[T]) FindAll(pred func(T) bool) []T {
	found := []T{}
	r.entries.Range(func(_ int64, e T) bool {
		if pred == nil || pred(e) {
			found = append(found, e)
		}
		return true
	})
	sort.Slice(found, func(i, j int) bool { return found[i].ID() < found[j].ID() })
	return found
}

// MatchPattern builds a predicate matching entries whose decimal id fully
// matches pattern and, when pool is not empty, whose pool equals pool.
func MatchPattern[T Entry](pattern, pool string) (func(T) bool, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, errors.Wrap(errtypes.BadRequest(err.Error()), "registry: invalid pattern")
	}
	return func(e T) bool {
		if pool != "" && e.Pool() != pool {
			return false
		}
		return re.MatchString(strconv.FormatInt(e.ID(), 10))
	}, nil
}
