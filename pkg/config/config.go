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

// Package config loads the daemon configuration from a toml file.
package config

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/opencloud-eu/transfermanager/pkg/utils/cfg"
	"github.com/pkg/errors"
)

// Config holds the daemon configuration.
type Config struct {
	Log             Log            `mapstructure:"log"`
	Core            Core           `mapstructure:"core"`
	TransferManager map[string]any `mapstructure:"transfermanager"`
	Events          Events         `mapstructure:"events"`
	Store           Store          `mapstructure:"store"`
	IDGenerator     IDGenerator    `mapstructure:"idgenerator"`
	HTTP            HTTP           `mapstructure:"http"`
}

// Log holds the configuration for the logger.
type Log struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode" validate:"oneof=console json"`
	Level  string `mapstructure:"level"`
}

// Core holds the process settings.
type Core struct {
	// ShutdownTimeout is how long, in seconds, the daemon waits for the
	// admin server and the stream on exit.
	ShutdownTimeout int `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// Events configures the stream carrying requests, replies and billing.
type Events struct {
	Type         string `mapstructure:"type" validate:"oneof=memory nats"`
	Endpoint     string `mapstructure:"endpoint"`
	Cluster      string `mapstructure:"cluster"`
	Group        string `mapstructure:"group"`
	InboundTopic string `mapstructure:"inbound_topic"`
	ReplyTopic   string `mapstructure:"reply_topic"`
}

// Store configures the audit store and the store backed id generator.
type Store struct {
	Type     string   `mapstructure:"type" validate:"oneof=memory noop redis redis-sentinel nats-js"`
	Nodes    []string `mapstructure:"nodes"`
	Database string   `mapstructure:"database"`
	// TTL of finished transfer snapshots in seconds, zero keeps them.
	TTL int `mapstructure:"ttl" validate:"gte=0"`
}

// IDGenerator selects where transfer ids come from.
type IDGenerator struct {
	Type  string `mapstructure:"type" validate:"oneof=memory store"`
	Block int    `mapstructure:"block" validate:"gte=0"`
}

// HTTP configures the admin server. Services holds the raw configuration of
// each admin service keyed by name.
type HTTP struct {
	Address  string                    `mapstructure:"address"`
	Services map[string]map[string]any `mapstructure:"services"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "console"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Core.ShutdownTimeout == 0 {
		c.Core.ShutdownTimeout = 10
	}
	if c.TransferManager == nil {
		c.TransferManager = map[string]any{}
	}
	if c.Events.Type == "" {
		c.Events.Type = "memory"
	}
	if c.Events.Endpoint == "" {
		c.Events.Endpoint = "127.0.0.1:4222"
	}
	if c.Events.Cluster == "" {
		c.Events.Cluster = "transfermanager-cluster"
	}
	if c.Events.Group == "" {
		c.Events.Group = "transfermanager"
	}
	if c.Events.InboundTopic == "" {
		c.Events.InboundTopic = "transfermanager"
	}
	if c.Events.ReplyTopic == "" {
		c.Events.ReplyTopic = "transfermanager.replies"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Database == "" {
		c.Store.Database = "transfermanager"
	}
	if c.IDGenerator.Type == "" {
		c.IDGenerator.Type = "memory"
	}
	if c.IDGenerator.Block == 0 {
		c.IDGenerator.Block = 1000
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "127.0.0.1:9135"
	}
	if c.HTTP.Services == nil {
		c.HTTP.Services = map[string]map[string]any{}
	}
	for _, name := range []string{"transfermanager", "prometheus"} {
		if _, ok := c.HTTP.Services[name]; !ok {
			c.HTTP.Services[name] = map[string]any{}
		}
	}
}

// Load loads the configuration from the reader.
func Load(r io.Reader) (*Config, error) {
	var raw map[string]any
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml data")
	}
	c := &Config{}
	if err := cfg.Decode(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}
