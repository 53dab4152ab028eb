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

package messages

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var registered = map[string]func() Message{}

func init() {
	for _, f := range []func() Message{
		func() Message { return &GetFileMetadata{} },
		func() Message { return &CreateEntry{} },
		func() Message { return &DeleteEntry{} },
		func() Message { return &SelectPool{} },
		func() Message { return &StartMover{} },
		func() Message { return &KillMover{} },
		func() Message { return &GetSpaceInfoAndLock{} },
		func() Message { return &UnlockSpace{} },
		func() Message { return &UtilizedSpace{} },
		func() Message { return &Transfer{} },
		func() Message { return &TransferFinished{} },
		func() Message { return &CancelTransfer{} },
		func() Message { return &TransferComplete{} },
		func() Message { return &TransferFailed{} },
	} {
		registered[f().MessageType()] = f
	}
}

// Encode returns the type name and the json payload of m.
func Encode(m Message) (string, []byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", nil, errors.Wrapf(err, "messages: error encoding %s", m.MessageType())
	}
	return m.MessageType(), b, nil
}

// Decode builds the message registered under typ from payload.
func Decode(typ string, payload []byte) (Message, error) {
	f, ok := registered[typ]
	if !ok {
		return nil, errors.Errorf("messages: unknown message type %q", typ)
	}
	m := f()
	if err := json.Unmarshal(payload, m); err != nil {
		return nil, errors.Wrapf(err, "messages: error decoding %s", typ)
	}
	return m, nil
}
