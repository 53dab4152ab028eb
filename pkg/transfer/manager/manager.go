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

// Package manager is the process-wide owner of all transfers. It admits
// requests, creates and registers their handlers, routes mover reports
// and operator commands to them, and keeps the finished ones around for
// status queries.
package manager

import (
	"context"
	"strconv"
	"sync"

	"github.com/jellydator/ttlcache/v2"
	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/events"
	"github.com/opencloud-eu/transfermanager/pkg/exchange"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/admission"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/audit"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/handler"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/idgen"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/metrics"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/registry"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/supervisor"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/raulk/clock"
	"github.com/rs/zerolog"
)

// Option configures a Manager.
type Option func(o *Options)

// Options are the collaborators of a Manager.
type Options struct {
	Exchange  exchange.Exchange
	Publisher events.Publisher
	Sink      audit.Sink
	IDs       idgen.Generator
	Clock     clock.Clock
}

// WithExchange sets the exchange used to reach the collaborators. Required.
func WithExchange(e exchange.Exchange) Option {
	return func(o *Options) {
		o.Exchange = e
	}
}

// WithPublisher sets where billing and rejection events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Options) {
		o.Publisher = p
	}
}

// WithSink sets the audit sink.
func WithSink(s audit.Sink) Option {
	return func(o *Options) {
		o.Sink = s
	}
}

// WithIDGenerator sets the transfer id source.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *Options) {
		o.IDs = g
	}
}

// WithClock sets the clock for deadlines and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// Manager owns the active transfers.
type Manager struct {
	ctx  context.Context
	log  *zerolog.Logger
	opts Options

	admission  *admission.Controller
	registry   *registry.Registry[*handler.Handler]
	supervisor *supervisor.Supervisor
	claims     *xsync.MapOf[string, int64]
	history    *ttlcache.Cache

	mu     sync.RWMutex
	conf   handler.Config
	closed bool
}

// New returns a manager. ctx carries the logger and bounds the lifetime of
// the handlers.
func New(ctx context.Context, c *Config, opts ...Option) (*Manager, error) {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Exchange == nil {
		return nil, errors.New("manager: an exchange is required")
	}
	if o.Sink == nil {
		o.Sink = audit.Nop{}
	}
	if o.IDs == nil {
		o.IDs = idgen.NewCounter(1)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	l := appctx.GetLogger(ctx).With().Str("pkg", "transfermanager").Logger()
	ctx = appctx.WithLogger(ctx, &l)

	history := ttlcache.NewCache()
	if err := history.SetTTL(seconds(c.HistoryTTL)); err != nil {
		return nil, errors.Wrap(err, "manager: error setting history ttl")
	}
	history.SetCacheSizeLimit(c.HistorySize)
	history.SkipTTLExtensionOnHit(true)

	m := &Manager{
		ctx:       ctx,
		log:       &l,
		opts:      o,
		admission: admission.New(c.MaxTransfers),
		registry:  registry.New[*handler.Handler](),
		claims:    xsync.NewMapOf[int64](),
		history:   history,
		conf:      c.handlerConfig(),
	}
	m.supervisor = supervisor.New(o.Clock, m.expire)
	return m, nil
}

func (m *Manager) config() handler.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conf
}

func (m *Manager) expire(id int64) {
	h, ok := m.registry.Lookup(id)
	if !ok {
		return
	}
	h.Expire()
}

func (m *Manager) reject(req transfer.Request, reason string, err error) error {
	metrics.RejectedTransfers.WithLabelValues(reason).Inc()
	m.log.Warn().Err(err).Str("user", req.User).Str("path", req.Path).Msg("transfer rejected")
	if m.opts.Publisher != nil {
		ev := events.TransferRejected{
			Path:      req.Path,
			User:      req.User,
			Code:      errtypes.Code(err),
			Message:   err.Error(),
			Timestamp: m.opts.Clock.Now(),
		}
		if perr := events.Publish(m.opts.Publisher, ev); perr != nil {
			m.log.Error().Err(perr).Msg("error publishing rejection")
		}
	}
	return err
}

// Submit admits req and starts its transfer. The outcome is sent to
// req.ReplyTo once the transfer is done. A rejected request leaves no state.
func (m *Manager) Submit(ctx context.Context, req transfer.Request) (int64, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, m.reject(req, "unavailable", errtypes.Unavailable("transfer manager is shutting down"))
	}
	if req.Direction != transfer.Store && req.Direction != transfer.Restore {
		return 0, m.reject(req, "bad_request", errtypes.BadRequest("unknown transfer direction"))
	}
	if !m.admission.TryAdmit() {
		return 0, m.reject(req, "too_many_transfers", errtypes.TooManyTransfers("max number of active transfers ("+strconv.Itoa(m.admission.Max())+") reached"))
	}

	id := m.opts.IDs.Next(ctx)
	h := handler.New(m.ctx, id, req, handler.Deps{
		Exchange:   m.opts.Exchange,
		Publisher:  m.opts.Publisher,
		Sink:       m.opts.Sink,
		Supervisor: m.supervisor,
		Owner:      owner{m},
		Clock:      m.opts.Clock,
	})
	if err := m.registry.Register(h); err != nil {
		m.admission.Release()
		return 0, m.reject(req, "internal", err)
	}
	metrics.AdmittedTransfers.Inc()
	metrics.ActiveTransfers.Inc()
	m.log.Info().Int64("transfer_id", id).Str("direction", req.Direction.String()).Str("path", req.Path).Msg("transfer admitted")

	h.Start()
	return id, nil
}

func (m *Manager) lookup(id int64) (*handler.Handler, error) {
	h, ok := m.registry.Lookup(id)
	if !ok {
		return nil, errtypes.NotFound("transfer " + strconv.FormatInt(id, 10))
	}
	return h, nil
}

// TransferFinished routes the final report of a mover to its transfer.
func (m *Manager) TransferFinished(msg *messages.TransferFinished) error {
	h, err := m.lookup(msg.TransferID)
	if err != nil {
		return err
	}
	h.Finished(msg)
	return nil
}

// Cancel aborts transfer id.
func (m *Manager) Cancel(id int64, reason string) error {
	h, err := m.lookup(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "canceled by operator"
	}
	h.Cancel(errtypes.Canceled(reason))
	return nil
}

// KillAll cancels every transfer whose id fully matches pattern and, if pool
// is set, that runs on pool. It returns the ids it canceled.
func (m *Manager) KillAll(pattern, pool, reason string) ([]int64, error) {
	pred, err := registry.MatchPattern[*handler.Handler](pattern, pool)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "canceled by operator"
	}
	ids := []int64{}
	for _, h := range m.registry.FindAll(pred) {
		h.Cancel(errtypes.Canceled(reason))
		ids = append(ids, h.ID())
	}
	return ids, nil
}

// List returns the snapshots of all active transfers ordered by id.
func (m *Manager) List() []transfer.Snapshot {
	hs := m.registry.FindAll(nil)
	snaps := make([]transfer.Snapshot, 0, len(hs))
	for _, h := range hs {
		snaps = append(snaps, h.Snapshot())
	}
	return snaps
}

// Describe renders every active transfer on one line.
func (m *Manager) Describe(long bool) []string {
	snaps := m.List()
	lines := make([]string, 0, len(snaps))
	for _, s := range snaps {
		lines = append(lines, s.Describe(long))
	}
	return lines
}

// Get returns the snapshot of an active or recently finished transfer.
func (m *Manager) Get(id int64) (transfer.Snapshot, error) {
	if h, ok := m.registry.Lookup(id); ok {
		return h.Snapshot(), nil
	}
	v, err := m.history.Get(strconv.FormatInt(id, 10))
	if err != nil {
		if err == ttlcache.ErrNotFound {
			return transfer.Snapshot{}, errtypes.NotFound("transfer " + strconv.FormatInt(id, 10))
		}
		return transfer.Snapshot{}, errors.Wrap(err, "manager: error reading history")
	}
	return v.(transfer.Snapshot), nil
}

// Active returns the number of active transfers.
func (m *Manager) Active() int {
	return m.registry.Len()
}

// HandleMessage serves a message arriving on the manager's inbound topic.
// Admitted transfers are answered once they are done; a rejected one is
// answered at once.
func (m *Manager) HandleMessage(ctx context.Context, msg messages.Message) (messages.Message, error) {
	switch msg := msg.(type) {
	case *messages.Transfer:
		if _, err := m.Submit(ctx, msg.Request); err != nil {
			failed := &messages.TransferFailed{}
			failed.Fail(errtypes.Code(err), err.Error())
			if msg.ReplyTo != "" {
				if nerr := m.opts.Exchange.Notify(ctx, msg.ReplyTo, failed); nerr != nil {
					m.log.Error().Err(nerr).Str("destination", msg.ReplyTo).Msg("error sending rejection")
				}
				return nil, nil
			}
			return failed, nil
		}
		return nil, nil
	case *messages.TransferFinished:
		if err := m.TransferFinished(msg); err != nil {
			m.log.Warn().Err(err).Int64("transfer_id", msg.TransferID).Msg("transfer finished for unknown transfer")
		}
		return nil, nil
	case *messages.CancelTransfer:
		return nil, m.Cancel(msg.TransferID, msg.Reason)
	default:
		return nil, errtypes.BadRequest("unexpected message " + msg.MessageType())
	}
}

// Close cancels the remaining transfers and stops the deadlines. Submit
// rejects requests afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, h := range m.registry.FindAll(nil) {
		h.Cancel(errtypes.Canceled("transfer manager shutting down"))
	}
	m.supervisor.Stop()
	return m.history.Close()
}

// owner is the handler-facing side of the manager.
type owner struct {
	m *Manager
}

func (o owner) Config() handler.Config {
	return o.m.config()
}

func (o owner) Claim(id int64, namespaceID string) bool {
	holder, loaded := o.m.claims.LoadOrStore(namespaceID, id)
	return !loaded || holder == id
}

func (o owner) Done(h *handler.Handler, snap transfer.Snapshot, namespaceID string, err error) {
	m := o.m
	m.registry.Remove(h.ID())
	if namespaceID != "" {
		if holder, ok := m.claims.Load(namespaceID); ok && holder == h.ID() {
			m.claims.Delete(namespaceID)
		}
	}
	m.admission.Release()

	metrics.ActiveTransfers.Dec()
	metrics.CompletedTransfers.WithLabelValues(snap.Request.Direction.String(), strconv.Itoa(snap.Code)).Inc()

	if serr := m.history.Set(strconv.FormatInt(snap.ID, 10), snap); serr != nil {
		m.log.Error().Err(serr).Int64("transfer_id", snap.ID).Msg("error recording finished transfer")
	}
	m.log.Debug().Int64("transfer_id", snap.ID).Dur("elapsed", snap.FinishedAt.Sub(snap.CreatedAt)).Msg("transfer deregistered")
}

var _ handler.Owner = owner{}
