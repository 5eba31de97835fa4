// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	golog "log"
	"os"
	"time"

	"github.com/grailbio/taskgraph/errors"
	"github.com/grailbio/taskgraph/log"
	"gopkg.in/yaml.v2"
)

// defaultPollInterval bounds how often a worker rechecks CanTerminate
// on a drained input.
const defaultPollInterval = time.Millisecond

// Config stores runtime configuration. Configs modulate execution
// behavior, not graph semantics: the zero Config is valid and runs
// every graph silently with default intervals.
type Config struct {
	// Log receives the runtime transcript. Workers log through tees
	// of this logger, prefixed with their task and thread. A nil
	// logger is silent.
	Log *log.Logger `yaml:"-"`

	// PollInterval is the interval between termination rechecks when
	// a task declines to terminate on a drained input. Zero means
	// the default.
	PollInterval time.Duration `yaml:"-"`
}

// Merge merges config d into config c: values set in d win.
func (c *Config) Merge(d Config) {
	if d.Log != nil {
		c.Log = d.Log
	}
	if d.PollInterval != 0 {
		c.PollInterval = d.PollInterval
	}
}

// IsZero tells whether this config stores any non-default config.
func (c Config) IsZero() bool {
	return c == Config{}
}

// configYAML is Config's wire form.
type configYAML struct {
	LogLevel     string `yaml:"loglevel"`
	PollInterval string `yaml:"pollinterval"`
}

// UnmarshalConfig parses a YAML configuration document:
//
//	loglevel: debug         # off, error, info, or debug
//	pollinterval: 500us
//
// A loglevel other than off installs a standard-error logger at that
// level.
func UnmarshalConfig(b []byte) (Config, error) {
	var raw configYAML
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, errors.E("unmarshal config", errors.Invalid, err)
	}
	var c Config
	switch raw.LogLevel {
	case "", "off":
	case "error":
		c.Log = log.New(golog.New(os.Stderr, "", golog.LstdFlags), log.ErrorLevel)
	case "info":
		c.Log = log.New(golog.New(os.Stderr, "", golog.LstdFlags), log.InfoLevel)
	case "debug":
		c.Log = log.New(golog.New(os.Stderr, "", golog.LstdFlags), log.DebugLevel)
	default:
		return Config{}, errors.E("unmarshal config", errors.Invalid,
			errors.Errorf("unknown log level %q", raw.LogLevel))
	}
	if raw.PollInterval != "" {
		d, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return Config{}, errors.E("unmarshal config", errors.Invalid, err)
		}
		c.PollInterval = d
	}
	return c, nil
}
