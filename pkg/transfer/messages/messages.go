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

// Package messages holds the payloads exchanged between the transfer manager
// and the namespace service, pool manager, pools and space manager.
// Requests and their replies share one type; the responder fills in the
// reply fields and the Status.
package messages

import (
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
)

// Message is a payload that can travel through an exchange.
type Message interface {
	MessageType() string
}

// Reply is a message that carries a return code.
type Reply interface {
	Message
	ReturnCode() int
	ErrorMessage() string
}

// Status is the outcome part of a reply. A zero code is success.
type Status struct {
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ReturnCode implements Reply.
func (s Status) ReturnCode() int { return s.Code }

// ErrorMessage implements Reply.
func (s Status) ErrorMessage() string { return s.Error }

// Fail marks the reply as failed.
func (s *Status) Fail(code int, msg string) {
	s.Code = code
	s.Error = msg
}

// ProtocolInfo describes the remote side of a third-party transfer.
type ProtocolInfo struct {
	RemoteURL    string `json:"remote_url"`
	CredentialID string `json:"credential_id,omitempty"`
	User         string `json:"user,omitempty"`
	Client       string `json:"client,omitempty"`
}

// GetFileMetadata asks the namespace service for the attributes of Path.
type GetFileMetadata struct {
	Path        string                 `json:"path"`
	NamespaceID string                 `json:"namespace_id,omitempty"`
	Metadata    *transfer.FileMetadata `json:"metadata,omitempty"`
	Status
}

// CreateEntry asks the namespace service to create an empty file entry.
type CreateEntry struct {
	Path        string                 `json:"path"`
	UID         int                    `json:"uid"`
	GID         int                    `json:"gid"`
	Mode        uint32                 `json:"mode"`
	NamespaceID string                 `json:"namespace_id,omitempty"`
	Metadata    *transfer.FileMetadata `json:"metadata,omitempty"`
	Status
}

// DeleteEntry asks the namespace service to remove a file entry.
type DeleteEntry struct {
	Path string `json:"path"`
	Status
}

// SelectPool asks the pool manager for a pool able to serve the transfer.
type SelectPool struct {
	Direction   transfer.Direction `json:"direction"`
	NamespaceID string             `json:"namespace_id"`
	Path        string             `json:"path"`
	Size        int64              `json:"size,omitempty"`
	Protocol    ProtocolInfo       `json:"protocol"`
	Pool        string             `json:"pool,omitempty"`
	Status
}

// StartMover asks a pool, or the pool proxy, to start a mover. Pool names
// the target pool when the message is routed through a proxy.
type StartMover struct {
	Pool              string             `json:"pool"`
	NamespaceID       string             `json:"namespace_id"`
	Direction         transfer.Direction `json:"direction"`
	Protocol          ProtocolInfo       `json:"protocol"`
	IOQueue           string             `json:"io_queue,omitempty"`
	Initiator         string             `json:"initiator"`
	TransferID        int64              `json:"transfer_id"`
	PreallocatedSpace int64              `json:"preallocated_space,omitempty"`
	MaxSpace          int64              `json:"max_space,omitempty"`
	MoverID           int32              `json:"mover_id,omitempty"`
	Status
}

// KillMover asks a pool to stop a running mover. No reply is expected.
type KillMover struct {
	Pool    string `json:"pool"`
	MoverID int32  `json:"mover_id"`
}

// GetSpaceInfoAndLock asks the space manager to look up and lock a reservation.
type GetSpaceInfoAndLock struct {
	Token  string `json:"token"`
	Pool   string `json:"pool,omitempty"`
	Locked int64  `json:"locked,omitempty"`
	Status
}

// UnlockSpace releases a locked reservation. No reply is expected.
type UnlockSpace struct {
	Token string `json:"token"`
	Size  int64  `json:"size"`
}

// UtilizedSpace accounts the bytes written into a reservation. No reply is expected.
type UtilizedSpace struct {
	Token string `json:"token"`
	Size  int64  `json:"size"`
}

// Transfer is an inbound transfer request.
type Transfer struct {
	transfer.Request
}

// TransferFinished is sent by a pool once its mover is done.
type TransferFinished struct {
	TransferID int64 `json:"transfer_id"`
	FileSize   int64 `json:"file_size"`
	Status
}

// CancelTransfer asks the manager to abort a transfer.
type CancelTransfer struct {
	TransferID int64  `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// TransferComplete is the terminal reply of a successful transfer.
type TransferComplete struct {
	TransferID int64 `json:"transfer_id"`
}

// TransferFailed is the terminal reply of a failed or rejected transfer.
type TransferFailed struct {
	TransferID int64 `json:"transfer_id,omitempty"`
	Status
}

// MessageType implements Message.
func (*GetFileMetadata) MessageType() string { return "GetFileMetadata" }

// MessageType implements Message.
func (*CreateEntry) MessageType() string { return "CreateEntry" }

// MessageType implements Message.
func (*DeleteEntry) MessageType() string { return "DeleteEntry" }

// MessageType implements Message.
func (*SelectPool) MessageType() string { return "SelectPool" }

// MessageType implements Message.
func (*StartMover) MessageType() string { return "StartMover" }

// MessageType implements Message.
func (*KillMover) MessageType() string { return "KillMover" }

// MessageType implements Message.
func (*GetSpaceInfoAndLock) MessageType() string { return "GetSpaceInfoAndLock" }

// MessageType implements Message.
func (*UnlockSpace) MessageType() string { return "UnlockSpace" }

// MessageType implements Message.
func (*UtilizedSpace) MessageType() string { return "UtilizedSpace" }

// MessageType implements Message.
func (*Transfer) MessageType() string { return "Transfer" }

// MessageType implements Message.
func (*TransferFinished) MessageType() string { return "TransferFinished" }

// MessageType implements Message.
func (*CancelTransfer) MessageType() string { return "CancelTransfer" }

// MessageType implements Message.
func (*TransferComplete) MessageType() string { return "TransferComplete" }

// MessageType implements Message.
func (*TransferFailed) MessageType() string { return "TransferFailed" }
