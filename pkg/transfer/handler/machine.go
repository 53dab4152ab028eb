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
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/pkg/errors"
)

// Config holds the settings a transition reads. It may change between two
// transitions of the same transfer.
type Config struct {
	Namespace    string
	PoolManager  string
	SpaceManager string
	PoolProxy    string
	IOQueue      string
	Initiator    string

	NamespaceTimeout    time.Duration
	PoolManagerTimeout  time.Duration
	PoolTimeout         time.Duration
	SpaceManagerTimeout time.Duration
	MoverTimeout        time.Duration

	MaxDeleteRetries int
	Overwrite        bool
}

// Env is passed to every transition.
type Env struct {
	Config Config
	Now    time.Time
	// Claim marks a namespace entry as being stored by this transfer. It
	// returns false when another transfer already holds the entry. A nil
	// Claim grants every entry.
	Claim func(namespaceID string) bool
}

type pending struct {
	seq         uint64
	destination string
	timeout     time.Duration
}

// Machine is the transition function of one transfer. It performs no I/O:
// Handle returns the effects the caller has to execute. A Machine is not
// safe for concurrent use.
type Machine struct {
	req transfer.Request
	st  transfer.State

	seq      uint64
	pending  *pending
	failure  error
	canceled error
	claimed  string
	armed    bool
	early    *messages.TransferFinished

	env     Env
	effects []Effect
}

// NewMachine returns the machine of a freshly admitted request.
func NewMachine(id int64, req transfer.Request, now time.Time) *Machine {
	return &Machine{
		req: req,
		st: transfer.State{
			ID:        id,
			Phase:     transfer.Initial,
			CreatedAt: now,
		},
	}
}

// State returns a copy of the current state.
func (m *Machine) State() transfer.State {
	return m.st
}

// Request returns the request being served.
func (m *Machine) Request() transfer.Request {
	return m.req
}

// Outstanding returns the sequence number of the call waiting for a reply.
func (m *Machine) Outstanding() (uint64, bool) {
	if m.pending == nil {
		return 0, false
	}
	return m.pending.seq, true
}

// Failure returns the reason the transfer is failing or has failed.
func (m *Machine) Failure() error {
	return m.failure
}

// Snapshot returns a copy of the current state for readers and the audit sink.
func (m *Machine) Snapshot(now time.Time) transfer.Snapshot {
	code, msg := 0, ""
	if m.failure != nil {
		code, msg = errtypes.Code(m.failure), m.failure.Error()
	}
	return transfer.NewSnapshot(m.req, m.st, code, msg, now)
}

// Handle applies ev. Events that do not fit the current phase are ignored
// and reported through the returned error.
func (m *Machine) Handle(ev Event, env Env) ([]Effect, error) {
	if m.st.Terminal {
		return nil, errors.Errorf("transfer already finished, ignoring %T", ev)
	}
	m.env = env
	m.effects = nil

	var err error
	switch e := ev.(type) {
	case Start:
		if m.st.Phase != transfer.Initial || m.pending != nil {
			err = errors.Errorf("transfer already started")
			break
		}
		m.start()
	case Reply:
		err = m.reply(e)
	case ReplyTimeout:
		var p *pending
		if p, err = m.accept(e.Seq); err == nil {
			m.timedOut(p)
		}
	case ReplyError:
		var p *pending
		if p, err = m.accept(e.Seq); err == nil {
			m.exception(p, e.Err)
		}
	case Finished:
		err = m.finished(e.Msg)
	case Cancel:
		err = m.cancel(e.Reason)
	case Expired:
		m.armed = false
		err = m.cancel(errtypes.Timeout("timed out while waiting for mover reply"))
	default:
		err = errors.Errorf("unknown event %T", ev)
	}

	effects := m.effects
	m.effects = nil
	return effects, err
}

func (m *Machine) emit(e Effect) {
	m.effects = append(m.effects, e)
}

func (m *Machine) setPhase(p transfer.Phase) {
	m.st.Phase = p
	m.emit(Persist{Snapshot: m.Snapshot(m.env.Now)})
}

func (m *Machine) call(destination string, msg messages.Message, timeout time.Duration) {
	m.seq++
	m.pending = &pending{seq: m.seq, destination: destination, timeout: timeout}
	m.emit(Call{Seq: m.seq, Destination: destination, Msg: msg, Timeout: timeout})
}

func (m *Machine) accept(seq uint64) (*pending, error) {
	p := m.pending
	if p == nil || p.seq != seq {
		return nil, errors.Errorf("stale answer to call %d", seq)
	}
	m.pending = nil
	return p, nil
}

// interrupted applies a cancellation recorded while a call was outstanding.
func (m *Machine) interrupted() bool {
	if m.canceled == nil {
		return false
	}
	m.abort(m.canceled)
	return true
}

func (m *Machine) cfg() Config {
	return m.env.Config
}

func (m *Machine) filePath() string {
	return path.Clean(m.req.Path)
}

func (m *Machine) start() {
	p := m.req.Path
	if !path.IsAbs(p) || path.Clean(p) == "/" {
		m.fail(errtypes.BadRequest("invalid path " + strconv.Quote(p)))
		return
	}

	if m.req.IsStore() {
		m.setPhase(transfer.AwaitingParentLookup)
		m.call(m.cfg().Namespace, &messages.GetFileMetadata{Path: path.Dir(m.filePath())}, m.cfg().NamespaceTimeout)
		return
	}
	m.setPhase(transfer.AwaitingNamespaceLookup)
	m.call(m.cfg().Namespace, &messages.GetFileMetadata{Path: m.filePath()}, m.cfg().NamespaceTimeout)
}

func expects(p transfer.Phase, msg messages.Message) bool {
	switch msg.(type) {
	case *messages.GetFileMetadata:
		return p == transfer.AwaitingParentLookup || p == transfer.AwaitingNamespaceLookup || p == transfer.AwaitingNamespaceDeleteCheck
	case *messages.CreateEntry:
		return p == transfer.AwaitingNamespaceCreate
	case *messages.GetSpaceInfoAndLock:
		return p == transfer.AwaitingSpaceReservationInfo
	case *messages.SelectPool:
		return p == transfer.AwaitingPoolSelection
	case *messages.StartMover:
		return p == transfer.AwaitingMoverStart
	case *messages.DeleteEntry:
		return p == transfer.AwaitingNamespaceDelete
	default:
		return false
	}
}

func (m *Machine) reply(e Reply) error {
	if m.pending == nil || m.pending.seq != e.Seq {
		return errors.Errorf("stale answer to call %d", e.Seq)
	}
	if e.Msg == nil || !expects(m.st.Phase, e.Msg) {
		return errors.Errorf("unexpected %T in %s", e.Msg, m.st.Phase)
	}
	m.pending = nil

	switch msg := e.Msg.(type) {
	case *messages.GetFileMetadata:
		switch m.st.Phase {
		case transfer.AwaitingParentLookup:
			m.parentArrived(msg)
		case transfer.AwaitingNamespaceLookup:
			m.metadataArrived(msg)
		default:
			m.deleteCheckArrived(msg)
		}
	case *messages.CreateEntry:
		m.created(msg)
	case *messages.GetSpaceInfoAndLock:
		m.spaceArrived(msg)
	case *messages.SelectPool:
		m.poolSelected(msg)
	case *messages.StartMover:
		m.moverStarted(msg)
	case *messages.DeleteEntry:
		m.deleted(msg)
	}
	return nil
}

func (m *Machine) parentArrived(md *messages.GetFileMetadata) {
	parent := path.Dir(m.filePath())
	if md.ReturnCode() != 0 {
		m.fail(errtypes.NamespaceError("can't get metadata of parent directory " + parent + ": " + md.ErrorMessage()))
		return
	}
	if md.Metadata == nil {
		m.fail(errtypes.NamespaceError("no metadata for parent directory " + parent))
		return
	}
	if !transfer.Allowed(m.req.UID, m.req.GID, *md.Metadata, transfer.Write|transfer.Execute) {
		m.fail(errtypes.PermissionDenied("user " + m.req.User + " has no permission to write to directory " + parent))
		return
	}
	if m.interrupted() {
		return
	}

	m.setPhase(transfer.AwaitingNamespaceCreate)
	m.call(m.cfg().Namespace, &messages.CreateEntry{
		Path: m.filePath(),
		UID:  m.req.UID,
		GID:  m.req.GID,
		Mode: 0o644,
	}, m.cfg().NamespaceTimeout)
}

func (m *Machine) created(c *messages.CreateEntry) {
	if c.ReturnCode() != 0 {
		m.fail(errtypes.NamespaceError("failed to create namespace entry " + m.filePath() + ": " + c.ErrorMessage()))
		return
	}
	m.st.Created = true
	m.st.NamespaceID = c.NamespaceID
	if c.Metadata != nil {
		md := *c.Metadata
		m.st.Metadata = &md
	}
	if m.interrupted() {
		return
	}

	if m.st.NamespaceID == "" || m.st.Metadata == nil {
		m.setPhase(transfer.AwaitingNamespaceLookup)
		m.call(m.cfg().Namespace, &messages.GetFileMetadata{Path: m.filePath()}, m.cfg().NamespaceTimeout)
		return
	}
	m.namespaceKnown()
}

func (m *Machine) metadataArrived(md *messages.GetFileMetadata) {
	if md.ReturnCode() != 0 {
		m.fail(errtypes.NamespaceError("can't get metadata of " + m.filePath() + ": " + md.ErrorMessage()))
		return
	}
	if md.NamespaceID != "" {
		m.st.NamespaceID = md.NamespaceID
	}
	if md.Metadata != nil {
		attrs := *md.Metadata
		m.st.Metadata = &attrs
	}
	if m.st.NamespaceID == "" || m.st.Metadata == nil {
		m.fail(errtypes.NamespaceError("incomplete metadata for " + m.filePath()))
		return
	}
	if m.interrupted() {
		return
	}
	m.namespaceKnown()
}

func (m *Machine) namespaceKnown() {
	if m.req.IsStore() && m.claimed == "" {
		if m.env.Claim != nil && !m.env.Claim(m.st.NamespaceID) {
			m.fail(errtypes.NamespaceError("entry " + m.st.NamespaceID + " of " + m.filePath() + " is already being stored"))
			return
		}
		m.claimed = m.st.NamespaceID
	}

	if m.req.IsStore() && m.req.SpaceToken != "" && m.st.Reservation == nil {
		m.setPhase(transfer.AwaitingSpaceReservationInfo)
		m.call(m.cfg().SpaceManager, &messages.GetSpaceInfoAndLock{Token: m.req.SpaceToken}, m.cfg().SpaceManagerTimeout)
		return
	}
	m.selectPool()
}

func (m *Machine) spaceArrived(s *messages.GetSpaceInfoAndLock) {
	if s.ReturnCode() != 0 {
		m.fail(errtypes.SpaceManagerError("can't lock reservation " + m.req.SpaceToken + ": " + s.ErrorMessage()))
		return
	}
	m.st.Reservation = &transfer.Reservation{
		Token:  m.req.SpaceToken,
		Locked: s.Locked,
		Pool:   s.Pool,
	}
	if s.Pool != "" {
		m.st.Pool = s.Pool
	}
	if m.interrupted() {
		return
	}
	m.selectPool()
}

func (m *Machine) checkPermission() error {
	md := *m.st.Metadata
	if m.req.IsStore() {
		if !transfer.Allowed(m.req.UID, m.req.GID, md, transfer.Write) {
			return errtypes.PermissionDenied("user " + m.req.User + " has no permission to write to " + m.filePath())
		}
		if md.Size != 0 && !m.cfg().Overwrite {
			return errtypes.PermissionDenied("file " + m.filePath() + " is not empty and overwrite is disabled")
		}
		return nil
	}
	if !transfer.Allowed(m.req.UID, m.req.GID, md, transfer.Read) {
		return errtypes.PermissionDenied("user " + m.req.User + " has no permission to read " + m.filePath())
	}
	return nil
}

func (m *Machine) protocol() messages.ProtocolInfo {
	return messages.ProtocolInfo{
		RemoteURL:    m.req.RemoteURL,
		CredentialID: m.req.CredentialID,
		User:         m.req.User,
		Client:       m.req.Client,
	}
}

func (m *Machine) size() int64 {
	if m.req.Size != nil {
		return *m.req.Size
	}
	if !m.req.IsStore() && m.st.Metadata != nil {
		return m.st.Metadata.Size
	}
	return 0
}

func (m *Machine) selectPool() {
	if err := m.checkPermission(); err != nil {
		m.fail(err)
		return
	}
	if m.st.Reservation != nil && m.st.Pool != "" {
		m.startMover()
		return
	}

	m.setPhase(transfer.AwaitingPoolSelection)
	m.call(m.cfg().PoolManager, &messages.SelectPool{
		Direction:   m.req.Direction,
		NamespaceID: m.st.NamespaceID,
		Path:        m.filePath(),
		Size:        m.size(),
		Protocol:    m.protocol(),
	}, m.cfg().PoolManagerTimeout)
}

func (m *Machine) poolSelected(p *messages.SelectPool) {
	if p.ReturnCode() != 0 || p.Pool == "" {
		m.fail(errtypes.PoolManagerError("no pool for " + m.filePath() + ": " + p.ErrorMessage()))
		return
	}
	m.st.Pool = p.Pool
	if m.interrupted() {
		return
	}
	m.startMover()
}

func (m *Machine) poolDestination() string {
	if m.cfg().PoolProxy != "" {
		return m.cfg().PoolProxy
	}
	return m.st.Pool
}

func (m *Machine) initiator() string {
	name := m.cfg().Initiator
	if name == "" {
		name = "transfermanager"
	}
	return name + ":" + strconv.FormatInt(m.st.ID, 10)
}

func (m *Machine) startMover() {
	msg := &messages.StartMover{
		Pool:        m.st.Pool,
		NamespaceID: m.st.NamespaceID,
		Direction:   m.req.Direction,
		Protocol:    m.protocol(),
		IOQueue:     m.cfg().IOQueue,
		Initiator:   m.initiator(),
		TransferID:  m.st.ID,
	}
	if r := m.st.Reservation; r != nil {
		msg.PreallocatedSpace = r.Locked
		if m.req.SpaceStrict {
			msg.MaxSpace = r.Locked
		}
	}

	m.setPhase(transfer.AwaitingMoverStart)
	m.call(m.poolDestination(), msg, m.cfg().PoolTimeout)
}

func (m *Machine) moverStarted(s *messages.StartMover) {
	m.st.MoverStartedAt = m.env.Now
	if s.ReturnCode() != 0 {
		m.fail(errtypes.PoolIOError("pool " + m.st.Pool + " failed to start mover: " + s.ErrorMessage()))
		return
	}
	id := s.MoverID
	m.st.MoverID = &id
	if m.interrupted() {
		return
	}

	m.armed = true
	m.emit(Arm{Timeout: m.cfg().MoverTimeout})
	m.setPhase(transfer.Active)

	if f := m.early; f != nil {
		m.early = nil
		_ = m.finished(f)
	}
}

func (m *Machine) finished(f *messages.TransferFinished) error {
	switch m.st.Phase {
	case transfer.Active:
	case transfer.AwaitingMoverStart:
		// the mover may finish before its start acknowledgement is processed
		if m.early == nil {
			m.early = f
		}
		return nil
	default:
		return errors.Errorf("unexpected transfer finished in %s", m.st.Phase)
	}

	if f.ReturnCode() != 0 {
		m.fail(errtypes.TransferFailed(f.ErrorMessage()))
		return nil
	}
	if r := m.st.Reservation; r != nil {
		m.emit(Notify{
			Destination: m.cfg().SpaceManager,
			Msg:         &messages.UtilizedSpace{Token: r.Token, Size: min(f.FileSize, r.Locked)},
		})
		m.st.Reservation = nil
	}
	m.terminate()
	return nil
}

func (m *Machine) cancel(reason error) error {
	switch {
	case m.st.Phase.Cleanup():
		return errors.Wrap(reason, "transfer is already cleaning up")
	case m.pending != nil:
		if m.canceled == nil {
			m.canceled = reason
		}
		return nil
	default:
		m.abort(reason)
		return nil
	}
}

func (m *Machine) timedOut(p *pending) {
	err := errtypes.Timeout(fmt.Sprintf("%s did not reply within %s", p.destination, p.timeout))
	if m.st.Phase.Cleanup() {
		m.cleanupFailed(err)
		return
	}
	m.abort(err)
}

func (m *Machine) exception(p *pending, err error) {
	cause := errtypes.Unavailable(p.destination + ": " + err.Error())
	if m.st.Phase.Cleanup() {
		m.cleanupFailed(cause)
		return
	}
	m.fail(cause)
}

// abort stops a started mover and fails the transfer.
func (m *Machine) abort(reason error) {
	if m.st.MoverID != nil {
		m.emit(Notify{
			Destination: m.poolDestination(),
			Msg:         &messages.KillMover{Pool: m.st.Pool, MoverID: *m.st.MoverID},
		})
	}
	m.fail(reason)
}

func (m *Machine) releaseSpace() {
	r := m.st.Reservation
	if r == nil {
		return
	}
	m.emit(Notify{
		Destination: m.cfg().SpaceManager,
		Msg:         &messages.UnlockSpace{Token: r.Token, Size: r.Locked},
	})
	m.st.Reservation = nil
}

// fail records reason and runs the compensation. A cancellation recorded
// earlier takes precedence over reason.
func (m *Machine) fail(reason error) {
	if m.canceled != nil {
		reason = m.canceled
	}
	if m.failure == nil {
		m.failure = reason
	}
	m.releaseSpace()
	if m.st.Created {
		m.checkBeforeDelete()
		return
	}
	m.terminate()
}

func (m *Machine) checkBeforeDelete() {
	m.setPhase(transfer.AwaitingNamespaceDeleteCheck)
	m.call(m.cfg().Namespace, &messages.GetFileMetadata{Path: m.filePath()}, m.cfg().NamespaceTimeout)
}

func (m *Machine) deleteCheckArrived(md *messages.GetFileMetadata) {
	if md.ReturnCode() != 0 {
		m.emit(Log{Msg: "namespace entry is gone, nothing to clean up"})
		m.terminate()
		return
	}
	if md.NamespaceID != "" && m.st.NamespaceID != "" && md.NamespaceID != m.st.NamespaceID {
		m.emit(Log{Msg: "namespace entry " + md.NamespaceID + " was replaced, not deleting it"})
		m.terminate()
		return
	}
	m.delete()
}

func (m *Machine) delete() {
	m.setPhase(transfer.AwaitingNamespaceDelete)
	m.call(m.cfg().Namespace, &messages.DeleteEntry{Path: m.filePath()}, m.cfg().NamespaceTimeout)
}

func (m *Machine) deleted(d *messages.DeleteEntry) {
	if d.ReturnCode() == 0 {
		m.terminate()
		return
	}
	m.cleanupFailed(errtypes.NamespaceError(d.ErrorMessage()))
}

func (m *Machine) cleanupFailed(err error) {
	if m.st.Phase == transfer.AwaitingNamespaceDeleteCheck {
		m.emit(Log{Msg: "can't check namespace entry before delete", Err: err})
		m.terminate()
		return
	}

	m.st.Retries++
	if m.st.Retries <= m.cfg().MaxDeleteRetries {
		m.emit(Log{Msg: "namespace delete failed, retrying", Err: err})
		m.delete()
		return
	}
	m.emit(Log{Msg: "namespace delete failed, giving up", Err: err})
	m.terminate()
}

func (m *Machine) billing() events.TransferBilled {
	rec := events.TransferBilled{
		TransferID:  m.st.ID,
		Path:        m.filePath(),
		NamespaceID: m.st.NamespaceID,
		Direction:   m.req.Direction.String(),
		User:        m.req.User,
		UID:         m.req.UID,
		GID:         m.req.GID,
		Client:      m.req.Client,
		RemoteURL:   m.req.RemoteURL,
		Pool:        m.st.Pool,
		Timestamp:   m.st.FinishedAt,
	}
	if m.failure != nil {
		rec.Code = errtypes.Code(m.failure)
		rec.Message = m.failure.Error()
	}
	if m.st.MoverStartedAt.IsZero() {
		rec.QueuedTime = m.st.FinishedAt.Sub(m.st.CreatedAt)
	} else {
		rec.QueuedTime = m.st.MoverStartedAt.Sub(m.st.CreatedAt)
		rec.TransactionTime = m.st.FinishedAt.Sub(m.st.MoverStartedAt)
	}
	return rec
}

func (m *Machine) terminate() {
	m.st.Terminal = true
	m.st.FinishedAt = m.env.Now
	m.pending = nil
	if m.failure != nil {
		m.st.Phase = transfer.Failed
	} else {
		m.st.Phase = transfer.Succeeded
	}
	if m.armed {
		m.armed = false
		m.emit(Disarm{})
	}

	var reply messages.Message = &messages.TransferComplete{TransferID: m.st.ID}
	if m.failure != nil {
		failed := &messages.TransferFailed{TransferID: m.st.ID}
		failed.Fail(errtypes.Code(m.failure), m.failure.Error())
		reply = failed
	}

	m.emit(Bill{Record: m.billing()})
	m.emit(Persist{Snapshot: m.Snapshot(m.env.Now)})
	m.emit(Done{Err: m.failure, Reply: reply, Unclaim: m.claimed})
}
