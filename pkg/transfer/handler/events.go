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

package handler

import (
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
)

// Event is an input of the state machine.
type Event interface {
	event()
}

// Start begins processing a freshly admitted request.
type Start struct{}

// Reply carries the answer to the call issued with Seq.
type Reply struct {
	Seq uint64
	Msg messages.Message
}

// ReplyTimeout reports that the call issued with Seq was not answered in time.
type ReplyTimeout struct {
	Seq uint64
}

// ReplyError reports that the call issued with Seq could not be delivered.
type ReplyError struct {
	Seq uint64
	Err error
}

// Finished reports the end of the mover.
type Finished struct {
	Msg *messages.TransferFinished
}

// Cancel asks to abort the transfer with Reason as the outward error.
type Cancel struct {
	Reason error
}

// Expired reports that the mover deadline passed.
type Expired struct{}

func (Start) event()        {}
func (Reply) event()        {}
func (ReplyTimeout) event() {}
func (ReplyError) event()   {}
func (Finished) event()     {}
func (Cancel) event()       {}
func (Expired) event()      {}

// Effect is an output of the state machine, executed by the Handler.
type Effect interface {
	effect()
}

// Call sends Msg and expects a reply tagged with Seq.
type Call struct {
	Seq         uint64
	Destination string
	Msg         messages.Message
	Timeout     time.Duration
}

// Notify sends Msg without expecting a reply.
type Notify struct {
	Destination string
	Msg         messages.Message
}

// Persist stores a snapshot in the audit sink.
type Persist struct {
	Snapshot transfer.Snapshot
}

// Bill emits the billing record.
type Bill struct {
	Record events.TransferBilled
}

// Arm starts the mover deadline.
type Arm struct {
	Timeout time.Duration
}

// Disarm stops the mover deadline.
type Disarm struct{}

// Log reports a problem that does not change the outcome.
type Log struct {
	Msg string
	Err error
}

// Done is the last effect of a transfer. Reply is sent to the requester.
type Done struct {
	Err     error
	Reply   messages.Message
	Unclaim string
}

func (Call) effect()    {}
func (Notify) effect()  {}
func (Persist) effect() {}
func (Bill) effect()    {}
func (Arm) effect()     {}
func (Disarm) effect()  {}
func (Log) effect()     {}
func (Done) effect()    {}
