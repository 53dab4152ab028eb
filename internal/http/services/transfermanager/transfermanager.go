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

// Package transfermanager is the admin http api of the transfer manager:
// listing, inspecting and killing transfers and changing settings.
package transfermanager

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opencloud-eu/transfermanager/pkg/appctx"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/rhttp"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/manager"
	"github.com/opencloud-eu/transfermanager/pkg/utils/cfg"
	"github.com/pkg/errors"
)

// Manager is what the api needs from the transfer manager.
type Manager interface {
	List() []transfer.Snapshot
	Get(id int64) (transfer.Snapshot, error)
	Cancel(id int64, reason string) error
	KillAll(pattern, pool, reason string) ([]int64, error)
	Settings() manager.Settings
	UpdateSettings(u manager.Update) (manager.Settings, error)
}

type config struct {
	Prefix string `mapstructure:"prefix"`
}

func (c *config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "transfermanager"
	}
}

type svc struct {
	conf   *config
	mgr    Manager
	router *chi.Mux
}

// New returns the admin api on mgr.
func New(m map[string]interface{}, mgr Manager) (rhttp.Service, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "transfermanager: error decoding config")
	}

	s := &svc{conf: c, mgr: mgr, router: chi.NewRouter()}
	s.initRouter()
	return s, nil
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Handler() http.Handler {
	return s.router
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) initRouter() {
	s.router.Get("/transfers", s.listTransfers)
	s.router.Post("/transfers/killall", s.killAll)
	s.router.Get("/transfers/{id}", s.getTransfer)
	s.router.Delete("/transfers/{id}", s.killTransfer)

	s.router.Get("/settings", s.getSettings)
	s.router.Put("/settings", s.updateSettings)
}

type killAllIn struct {
	Pattern string `json:"pattern"`
	Pool    string `json:"pool"`
	Reason  string `json:"reason"`
}

type killAllOut struct {
	Canceled []int64 `json:"canceled"`
}

func isText(r *http.Request) bool {
	return r.URL.Query().Get("format") == "text"
}

func isLong(r *http.Request) bool {
	long, _ := strconv.ParseBool(r.URL.Query().Get("long"))
	return long
}

func (s *svc) listTransfers(w http.ResponseWriter, r *http.Request) {
	snaps := s.mgr.List()
	if isText(r) {
		lines := make([]string, 0, len(snaps))
		for _, snap := range snaps {
			lines = append(lines, snap.Describe(isLong(r)))
		}
		writeText(w, r, strings.Join(lines, "\n"))
		return
	}
	writeJSON(w, r, http.StatusOK, snaps)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *svc) getTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	snap, err := s.mgr.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if isText(r) {
		writeText(w, r, snap.Describe(true))
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (s *svc) killTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Cancel(id, r.URL.Query().Get("reason")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *svc) killAll(w http.ResponseWriter, r *http.Request) {
	var in killAllIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if in.Pattern == "" {
		http.Error(w, "missing pattern", http.StatusBadRequest)
		return
	}
	ids, err := s.mgr.KillAll(in.Pattern, in.Pool, in.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, killAllOut{Canceled: ids})
}

func (s *svc) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.mgr.Settings())
}

func (s *svc) updateSettings(w http.ResponseWriter, r *http.Request) {
	var u manager.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	settings, err := s.mgr.UpdateSettings(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch errors.Cause(err).(type) {
	case errtypes.IsNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errtypes.IsBadRequest:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("error serving request")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		appctx.GetLogger(r.Context()).Err(err).Msg("error writing response")
	}
}

func writeText(w http.ResponseWriter, r *http.Request, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if body != "" {
		body += "\n"
	}
	if _, err := w.Write([]byte(body)); err != nil {
		appctx.GetLogger(r.Context()).Err(err).Msg("error writing response")
	}
}
