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
package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "otad.yml")
	if err := ioutil.WriteFile(fname, []byte(text), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return fname
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, `
listen: ":4444"
password: hunter2
mode: direct
ota_helper_partition: helper
partition_table: partitions.csv
flash_image: flash.bin
flash_size: 4194304
handshake_timeout: 15s
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Listen != ":4444" || c.Password != "hunter2" || c.Mode != ModeDirect {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.OTAHelperPartition != "helper" || c.FlashSize != 4194304 {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.HandshakeTimeout != 15*time.Second {
		t.Errorf("handshake_timeout: %v", c.HandshakeTimeout)
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
partition_table: partitions.csv
flash_image: flash.bin
flash_size: 4194304
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Listen != ":3232" {
		t.Errorf("listen default: %q", c.Listen)
	}
	if c.Mode != ModeBuffered {
		t.Errorf("mode default: %q", c.Mode)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
	}{
		{"unknown key", "partition_table: p.csv\nflash_image: f.bin\nflash_size: 1024\nbogus: 1\n"},
		{"bad mode", "mode: turbo\npartition_table: p.csv\nflash_image: f.bin\nflash_size: 1024\n"},
		{"target with direct", "mode: direct\ntarget_partition: ota_1\npartition_table: p.csv\nflash_image: f.bin\nflash_size: 1024\n"},
		{"no partition table", "flash_image: f.bin\nflash_size: 1024\n"},
		{"no flash image", "partition_table: p.csv\nflash_size: 1024\n"},
		{"no flash size", "partition_table: p.csv\nflash_image: f.bin\n"},
		{"negative buffer", "max_buffer: -1\npartition_table: p.csv\nflash_image: f.bin\nflash_size: 1024\n"},
	} {
		if _, err := Load(writeConfig(t, tc.text)); err == nil {
			t.Errorf("%s: no error", tc.name)
		}
	}
}
