//
// Copyright (c) 2023-2026 Uniota Contributors
// All rights reserved
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

// Package config holds the device daemon's YAML configuration.
package config

import (
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	ModeBuffered = "buffered"
	ModeDirect   = "direct"
)

// Config is the device-side configuration consumed by otad.
type Config struct {
	// Listen is the OTA server address, e.g. ":3232".
	Listen string `yaml:"listen"`
	// Password gates sessions behind challenge/response auth when set.
	Password string `yaml:"password,omitempty"`

	// Mode selects the storage backend: "buffered" (default) or "direct".
	Mode string `yaml:"mode,omitempty"`
	// TargetPartition overrides the buffered backend's flash target.
	TargetPartition string `yaml:"target_partition,omitempty"`
	// OTAHelperPartition enables the reboot-to-helper extension.
	OTAHelperPartition string `yaml:"ota_helper_partition,omitempty"`
	// MaxBuffer caps the buffered backend's staging memory (bytes).
	MaxBuffer int64 `yaml:"max_buffer,omitempty"`

	// PartitionTable is the path of the ESP-IDF style partition CSV.
	PartitionTable string `yaml:"partition_table"`
	// FlashImage is the flash image file the daemon operates on.
	FlashImage string `yaml:"flash_image"`
	// FlashSize is the device flash size in bytes.
	FlashSize int64 `yaml:"flash_size"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	DataTimeout      time.Duration `yaml:"data_timeout,omitempty"`
}

// Load reads and validates a config file.
func Load(fname string) (*Config, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read config")
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, errors.Annotatef(err, "%s", fname)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Annotatef(err, "%s", fname)
	}
	return &c, nil
}

// Validate fills defaults and checks invariants that do not require the
// partition table (those are checked once the table is loaded).
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":3232"
	}
	switch c.Mode {
	case "":
		c.Mode = ModeBuffered
	case ModeBuffered, ModeDirect:
	default:
		return errors.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeBuffered, ModeDirect)
	}
	if c.Mode == ModeDirect && c.TargetPartition != "" {
		return errors.Errorf("target_partition only applies to the %s mode", ModeBuffered)
	}
	if c.PartitionTable == "" {
		return errors.Errorf("partition_table is required")
	}
	if c.FlashImage == "" {
		return errors.Errorf("flash_image is required")
	}
	if c.FlashSize <= 0 {
		return errors.Errorf("flash_size is required")
	}
	if c.MaxBuffer < 0 {
		return errors.Errorf("max_buffer must be >= 0")
	}
	return nil
}
