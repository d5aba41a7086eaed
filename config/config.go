/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config holds the on-disk configuration for the mirror filesystem,
// parsed from an optional TOML file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the top-level configuration accepted via --config. Every field
// has a usable zero value, so an absent config file is equivalent to
// Config{}.
type Config struct {
	// LogLevel is parsed by logrus.ParseLevel; empty means "info".
	LogLevel string `toml:"log_level"`

	// AllowOther mirrors the allow_other FUSE mount option, letting users
	// other than the one that started the mount access it.
	AllowOther bool `toml:"allow_other"`

	// Debug turns on go-fuse's request-level debug logging.
	Debug bool `toml:"debug"`

	// AttrTimeoutSeconds overrides the attribute/entry cache TTL reported
	// to the kernel. Zero means use overlay.AttrTTL.
	AttrTimeoutSeconds float64 `toml:"attr_timeout_seconds"`
}

// Load reads and parses the TOML file at path. A path of "" returns the zero
// Config without touching the filesystem.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "config file %q", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	return &cfg, nil
}
