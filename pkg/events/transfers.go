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

package events

import (
	"encoding/json"
	"time"
)

// TransferBilled is emitted once per transfer when it reaches a terminal phase.
type TransferBilled struct {
	TransferID      int64
	Path            string
	NamespaceID     string
	Direction       string
	User            string
	UID             int
	GID             int
	Client          string
	RemoteURL       string
	Pool            string
	Code            int
	Message         string
	QueuedTime      time.Duration
	TransactionTime time.Duration
	Timestamp       time.Time
}

// Unmarshal to fulfill umarshaller interface
func (TransferBilled) Unmarshal(v []byte) (interface{}, error) {
	e := TransferBilled{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// TransferRejected is emitted when a transfer request is refused before admission.
type TransferRejected struct {
	Path      string
	User      string
	Code      int
	Message   string
	Timestamp time.Time
}

// Unmarshal to fulfill umarshaller interface
func (TransferRejected) Unmarshal(v []byte) (interface{}, error) {
	e := TransferRejected{}
	err := json.Unmarshal(v, &e)
	return e, err
}
