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

package manager

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
)

// Settings are the values an operator can read and change at runtime.
// Timeouts are in seconds.
type Settings struct {
	MaxTransfers        int    `json:"max_transfers"`
	ActiveTransfers     int    `json:"active_transfers"`
	NamespaceTimeout    int64  `json:"namespace_timeout"`
	PoolManagerTimeout  int64  `json:"pool_manager_timeout"`
	PoolTimeout         int64  `json:"pool_timeout"`
	SpaceManagerTimeout int64  `json:"space_manager_timeout"`
	MoverTimeout        int64  `json:"mover_timeout"`
	MaxDeleteRetries    int    `json:"max_delete_retries"`
	Overwrite           bool   `json:"overwrite"`
	IOQueue             string `json:"io_queue"`
	PoolProxy           string `json:"pool_proxy"`
}

// Update changes the settings whose fields are set. Changes apply to the
// next transition of every transfer, running ones included.
type Update struct {
	MaxTransfers        *int    `json:"max_transfers,omitempty" validate:"omitempty,gt=0"`
	NamespaceTimeout    *int64  `json:"namespace_timeout,omitempty" validate:"omitempty,gt=0"`
	PoolManagerTimeout  *int64  `json:"pool_manager_timeout,omitempty" validate:"omitempty,gt=0"`
	PoolTimeout         *int64  `json:"pool_timeout,omitempty" validate:"omitempty,gt=0"`
	SpaceManagerTimeout *int64  `json:"space_manager_timeout,omitempty" validate:"omitempty,gt=0"`
	MoverTimeout        *int64  `json:"mover_timeout,omitempty" validate:"omitempty,gt=0"`
	MaxDeleteRetries    *int    `json:"max_delete_retries,omitempty" validate:"omitempty,gte=0"`
	Overwrite           *bool   `json:"overwrite,omitempty"`
	IOQueue             *string `json:"io_queue,omitempty"`
	PoolProxy           *string `json:"pool_proxy,omitempty"`
}

var validate = validator.New()

func secs(d time.Duration) int64 {
	return int64(d / time.Second)
}

func setSeconds(d *time.Duration, s *int64) {
	if s != nil {
		*d = time.Duration(*s) * time.Second
	}
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	c := m.config()
	return Settings{
		MaxTransfers:        m.admission.Max(),
		ActiveTransfers:     m.admission.Active(),
		NamespaceTimeout:    secs(c.NamespaceTimeout),
		PoolManagerTimeout:  secs(c.PoolManagerTimeout),
		PoolTimeout:         secs(c.PoolTimeout),
		SpaceManagerTimeout: secs(c.SpaceManagerTimeout),
		MoverTimeout:        secs(c.MoverTimeout),
		MaxDeleteRetries:    c.MaxDeleteRetries,
		Overwrite:           c.Overwrite,
		IOQueue:             c.IOQueue,
		PoolProxy:           c.PoolProxy,
	}
}

// UpdateSettings validates u and applies it as a whole.
func (m *Manager) UpdateSettings(u Update) (Settings, error) {
	if err := validate.Struct(u); err != nil {
		return Settings{}, errtypes.BadRequest(err.Error())
	}

	m.mu.Lock()
	if u.MaxTransfers != nil {
		if err := m.admission.SetMax(*u.MaxTransfers); err != nil {
			m.mu.Unlock()
			return Settings{}, err
		}
	}
	c := m.conf
	setSeconds(&c.NamespaceTimeout, u.NamespaceTimeout)
	setSeconds(&c.PoolManagerTimeout, u.PoolManagerTimeout)
	setSeconds(&c.PoolTimeout, u.PoolTimeout)
	setSeconds(&c.SpaceManagerTimeout, u.SpaceManagerTimeout)
	setSeconds(&c.MoverTimeout, u.MoverTimeout)
	if u.MaxDeleteRetries != nil {
		c.MaxDeleteRetries = *u.MaxDeleteRetries
	}
	if u.Overwrite != nil {
		c.Overwrite = *u.Overwrite
	}
	if u.IOQueue != nil {
		c.IOQueue = *u.IOQueue
	}
	if u.PoolProxy != nil {
		c.PoolProxy = *u.PoolProxy
	}
	m.conf = c
	m.mu.Unlock()

	m.log.Info().Interface("settings", u).Msg("settings changed")
	return m.Settings(), nil
}
