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

package transfer

import (
	"strconv"
	"strings"
	"time"
)

// Describe renders s on one line. The long form adds the remote endpoint,
// reservation and timing details.
func (s Snapshot) Describe(long bool) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(s.ID, 10))
	b.WriteByte(' ')
	b.WriteString(s.Phase.String())
	b.WriteByte(' ')
	b.WriteString(s.Request.Direction.String())
	b.WriteByte(' ')
	b.WriteString(s.Request.Path)
	if s.NamespaceID != "" {
		b.WriteString(" nsid=" + s.NamespaceID)
	}
	if s.Pool != "" {
		b.WriteString(" pool=" + s.Pool)
	}
	if s.MoverID != nil {
		b.WriteString(" mover=" + strconv.FormatInt(int64(*s.MoverID), 10))
	}
	if s.Terminal && s.Code != 0 {
		b.WriteString(" error=" + strconv.Itoa(s.Code) + ":" + strconv.Quote(s.Message))
	}
	if !long {
		return b.String()
	}

	b.WriteString(" remote=" + s.Request.RemoteURL)
	b.WriteString(" user=" + s.Request.User)
	b.WriteString(" uid=" + strconv.Itoa(s.Request.UID))
	b.WriteString(" gid=" + strconv.Itoa(s.Request.GID))
	if s.Request.CredentialID != "" {
		b.WriteString(" credential=" + s.Request.CredentialID)
	}
	if s.Reservation != nil {
		b.WriteString(" space=" + s.Reservation.Token + "/" + strconv.FormatInt(s.Reservation.Locked, 10))
	} else if s.Request.SpaceToken != "" {
		b.WriteString(" space=" + s.Request.SpaceToken)
	}
	b.WriteString(" created=" + strconv.FormatBool(s.Created))
	b.WriteString(" retries=" + strconv.Itoa(s.Retries))
	b.WriteString(" since=" + s.CreatedAt.UTC().Format(time.RFC3339))
	if !s.MoverStartedAt.IsZero() {
		b.WriteString(" mover_started=" + s.MoverStartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
