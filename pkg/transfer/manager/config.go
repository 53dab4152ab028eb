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

	"github.com/opencloud-eu/transfermanager/pkg/transfer/handler"
	"github.com/opencloud-eu/transfermanager/pkg/utils/cfg"
	"github.com/pkg/errors"
)

// Config is the [transfermanager] section. Timeouts are in seconds.
type Config struct {
	Name                string `mapstructure:"name"`
	MaxTransfers        int    `mapstructure:"max_transfers" validate:"gte=0"`
	NamespaceService    string `mapstructure:"namespace_service"`
	PoolManagerService  string `mapstructure:"pool_manager_service"`
	SpaceManagerService string `mapstructure:"space_manager_service"`
	PoolProxy           string `mapstructure:"pool_proxy"`
	IOQueue             string `mapstructure:"io_queue"`
	NamespaceTimeout    int    `mapstructure:"namespace_timeout" validate:"gte=0"`
	PoolManagerTimeout  int    `mapstructure:"pool_manager_timeout" validate:"gte=0"`
	PoolTimeout         int    `mapstructure:"pool_timeout" validate:"gte=0"`
	SpaceManagerTimeout int    `mapstructure:"space_manager_timeout" validate:"gte=0"`
	MoverTimeout        int    `mapstructure:"mover_timeout" validate:"gte=0"`
	// MaxDeleteRetries is the number of deletes issued after a failed first
	// one, so up to 1+MaxDeleteRetries attempts are made. Zero means the
	// default of 1, negative disables retries.
	MaxDeleteRetries int  `mapstructure:"max_delete_retries"`
	Overwrite        bool `mapstructure:"overwrite"`
	HistoryTTL       int  `mapstructure:"history_ttl" validate:"gte=0"`
	HistorySize      int  `mapstructure:"history_size" validate:"gte=0"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "transfermanager"
	}
	if c.MaxTransfers == 0 {
		c.MaxTransfers = 30
	}
	if c.NamespaceService == "" {
		c.NamespaceService = "PnfsManager"
	}
	if c.PoolManagerService == "" {
		c.PoolManagerService = "PoolManager"
	}
	if c.SpaceManagerService == "" {
		c.SpaceManagerService = "SrmSpaceManager"
	}
	if c.NamespaceTimeout == 0 {
		c.NamespaceTimeout = 300
	}
	if c.PoolManagerTimeout == 0 {
		c.PoolManagerTimeout = 300
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = 300
	}
	if c.SpaceManagerTimeout == 0 {
		c.SpaceManagerTimeout = 300
	}
	if c.MoverTimeout == 0 {
		c.MoverTimeout = 7200
	}
	switch {
	case c.MaxDeleteRetries == 0:
		c.MaxDeleteRetries = 1
	case c.MaxDeleteRetries < 0:
		c.MaxDeleteRetries = 0
	}
	if c.HistoryTTL == 0 {
		c.HistoryTTL = 3600
	}
	if c.HistorySize == 0 {
		c.HistorySize = 10000
	}
}

// ParseConfig decodes the raw [transfermanager] section.
func ParseConfig(m map[string]interface{}) (*Config, error) {
	c := &Config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "manager: error decoding config")
	}
	return c, nil
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (c *Config) handlerConfig() handler.Config {
	return handler.Config{
		Namespace:           c.NamespaceService,
		PoolManager:         c.PoolManagerService,
		SpaceManager:        c.SpaceManagerService,
		PoolProxy:           c.PoolProxy,
		IOQueue:             c.IOQueue,
		Initiator:           c.Name,
		NamespaceTimeout:    seconds(c.NamespaceTimeout),
		PoolManagerTimeout:  seconds(c.PoolManagerTimeout),
		PoolTimeout:         seconds(c.PoolTimeout),
		SpaceManagerTimeout: seconds(c.SpaceManagerTimeout),
		MoverTimeout:        seconds(c.MoverTimeout),
		MaxDeleteRetries:    c.MaxDeleteRetries,
		Overwrite:           c.Overwrite,
	}
}
