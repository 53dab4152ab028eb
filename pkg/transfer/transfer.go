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

// Package transfer defines the records shared by the components that drive a
// third-party transfer between a remote endpoint and the pool cluster.
package transfer

import (
	"time"

	"github.com/pkg/errors"
)

// Direction tells whether data flows into the cluster or out of it.
type Direction int

const (
	// Store copies a remote file into the cluster.
	Store Direction = iota + 1
	// Restore copies a file from the cluster to a remote endpoint.
	Restore
)

func (d Direction) String() string {
	switch d {
	case Store:
		return "store"
	case Restore:
		return "restore"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler. An unset direction is
// written as the empty string.
func (d Direction) MarshalText() ([]byte, error) {
	if d != Store && d != Restore {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "store", "put":
		*d = Store
	case "restore", "get":
		*d = Restore
	case "", "unknown":
		*d = 0
	default:
		return errors.Errorf("transfer: unknown direction %q", string(b))
	}
	return nil
}

// Phase is the position of a transfer in its lifecycle.
type Phase int

// Phases of a transfer. Succeeded and Failed are terminal.
const (
	Initial Phase = iota
	AwaitingNamespaceLookup
	AwaitingParentLookup
	AwaitingNamespaceCreate
	AwaitingPoolSelection
	AwaitingMoverStart
	Active
	AwaitingSpaceReservationInfo
	AwaitingNamespaceDeleteCheck
	AwaitingNamespaceDelete
	Succeeded
	Failed
)

var phaseNames = [...]string{
	Initial:                      "INITIAL",
	AwaitingNamespaceLookup:      "AWAITING_NAMESPACE_LOOKUP",
	AwaitingParentLookup:         "AWAITING_PARENT_LOOKUP",
	AwaitingNamespaceCreate:      "AWAITING_NAMESPACE_CREATE",
	AwaitingPoolSelection:        "AWAITING_POOL_SELECTION",
	AwaitingMoverStart:           "AWAITING_MOVER_START",
	Active:                       "ACTIVE",
	AwaitingSpaceReservationInfo: "AWAITING_SPACE_RESERVATION_INFO",
	AwaitingNamespaceDeleteCheck: "AWAITING_NAMESPACE_DELETE_CHECK",
	AwaitingNamespaceDelete:      "AWAITING_NAMESPACE_DELETE",
	Succeeded:                    "SUCCEEDED",
	Failed:                       "FAILED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, n := range phaseNames {
		if n == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return errors.Errorf("transfer: unknown phase %q", string(b))
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == Succeeded || p == Failed
}

// Cleanup reports whether p belongs to the compensating namespace delete.
func (p Phase) Cleanup() bool {
	return p == AwaitingNamespaceDeleteCheck || p == AwaitingNamespaceDelete
}

// Request is an inbound transfer request. It is never modified once admitted.
type Request struct {
	User         string    `json:"user" msgpack:"user"`
	UID          int       `json:"uid" msgpack:"uid"`
	GID          int       `json:"gid" msgpack:"gid"`
	Path         string    `json:"path" msgpack:"path"`
	Direction    Direction `json:"direction" msgpack:"direction"`
	RemoteURL    string    `json:"remote_url" msgpack:"remote_url"`
	SpaceToken   string    `json:"space_token,omitempty" msgpack:"space_token"`
	SpaceStrict  bool      `json:"space_strict,omitempty" msgpack:"space_strict"`
	CredentialID string    `json:"credential_id,omitempty" msgpack:"credential_id"`
	Size         *int64    `json:"size,omitempty" msgpack:"size"`
	Client       string    `json:"client,omitempty" msgpack:"client"`
	ReplyTo      string    `json:"reply_to,omitempty" msgpack:"reply_to"`
}

// IsStore reports whether the request copies data into the cluster.
func (r Request) IsStore() bool {
	return r.Direction == Store
}

// FileMetadata is the subset of namespace attributes the transfer needs.
type FileMetadata struct {
	Owner int    `json:"owner" msgpack:"owner"`
	Group int    `json:"group" msgpack:"group"`
	Mode  uint32 `json:"mode" msgpack:"mode"`
	Size  int64  `json:"size" msgpack:"size"`
	Dir   bool   `json:"dir,omitempty" msgpack:"dir"`
}

// Reservation is a locked space reservation attached to a store.
type Reservation struct {
	Token  string `json:"token" msgpack:"token"`
	Locked int64  `json:"locked" msgpack:"locked"`
	Pool   string `json:"pool,omitempty" msgpack:"pool"`
}

// State is the mutable part of a transfer. It is owned by exactly one handler.
type State struct {
	ID          int64
	Phase       Phase
	NamespaceID string
	Created     bool
	Pool        string
	MoverID     *int32
	Reservation *Reservation
	Retries     int
	Terminal    bool
	Metadata    *FileMetadata

	CreatedAt      time.Time
	MoverStartedAt time.Time
	FinishedAt     time.Time
}

// Snapshot is a point-in-time copy of a transfer, safe to hand to other
// goroutines and to persist.
type Snapshot struct {
	ID          int64        `json:"id" msgpack:"id"`
	Request     Request      `json:"request" msgpack:"request"`
	Phase       Phase        `json:"phase" msgpack:"phase"`
	NamespaceID string       `json:"namespace_id,omitempty" msgpack:"namespace_id"`
	Created     bool         `json:"created" msgpack:"created"`
	Pool        string       `json:"pool,omitempty" msgpack:"pool"`
	MoverID     *int32       `json:"mover_id,omitempty" msgpack:"mover_id"`
	Reservation *Reservation `json:"reservation,omitempty" msgpack:"reservation"`
	Retries     int          `json:"retries" msgpack:"retries"`
	Terminal    bool         `json:"terminal" msgpack:"terminal"`
	Code        int          `json:"code" msgpack:"code"`
	Message     string       `json:"message,omitempty" msgpack:"message"`

	CreatedAt      time.Time `json:"created_at" msgpack:"created_at"`
	MoverStartedAt time.Time `json:"mover_started_at,omitempty" msgpack:"mover_started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty" msgpack:"finished_at"`
	UpdatedAt      time.Time `json:"updated_at" msgpack:"updated_at"`
}

// NewSnapshot copies s and r into a Snapshot. Pointer fields are cloned.
func NewSnapshot(r Request, s State, code int, msg string, now time.Time) Snapshot {
	snap := Snapshot{
		ID:             s.ID,
		Request:        r,
		Phase:          s.Phase,
		NamespaceID:    s.NamespaceID,
		Created:        s.Created,
		Pool:           s.Pool,
		Retries:        s.Retries,
		Terminal:       s.Terminal,
		Code:           code,
		Message:        msg,
		CreatedAt:      s.CreatedAt,
		MoverStartedAt: s.MoverStartedAt,
		FinishedAt:     s.FinishedAt,
		UpdatedAt:      now,
	}
	if s.MoverID != nil {
		id := *s.MoverID
		snap.MoverID = &id
	}
	if s.Reservation != nil {
		res := *s.Reservation
		snap.Reservation = &res
	}
	if r.Size != nil {
		size := *r.Size
		snap.Request.Size = &size
	}
	return snap
}
