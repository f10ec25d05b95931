// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/katzenpost/core/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRetryFixedDelay     = 1 * 1000       // 1 sec.
	defaultRetryVariableFactor = 1 * 1000       // 1 sec.
	defaultRetryMaxVariable    = 2 * 60 * 1000  // 2 min.

	defaultTransferThreads     = 2
	defaultTransferMaxFailures = 16
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	lvl := l.Level
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		l.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lvl)
	}
	return nil
}

// InitBackend creates the logging backend described by this section.
func (l *Logging) InitBackend() (*log.Backend, error) {
	if l.Disable {
		// The backend's own disable path writes through a nil
		// WriteCloser; discard via the null device instead.
		return log.New(os.DevNull, l.Level, false)
	}
	if l.File != "" && !filepath.IsAbs(l.File) {
		return nil, errors.New("config: Logging: File must be an absolute path")
	}
	return log.New(l.File, l.Level, false)
}

// Server describes the relay to connect to.
type Server struct {
	// Address is the host:port of the relay RPC endpoint.
	Address string
}

func (s *Server) validate() error {
	if s.Address == "" {
		return errors.New("config: Server: Address is missing")
	}
	return nil
}

// Session tunes the connection state machine. All intervals are in
// milliseconds.
type Session struct {
	// RetryFixedDelay is the floor of the reconnect backoff.
	RetryFixedDelay int

	// RetryVariableFactor scales the exponential part of the backoff.
	RetryVariableFactor int

	// RetryMaxVariable caps the exponential part of the backoff.
	RetryMaxVariable int

	// KeepAliveInterval is the liveness probe period while connected,
	// zero disables probing.
	KeepAliveInterval int

	// BackgroundTimeout disconnects a backgrounded session after this
	// long, zero keeps it connected.
	BackgroundTimeout int
}

func (s *Session) validate() error {
	if s.RetryFixedDelay < 0 || s.RetryVariableFactor < 0 || s.RetryMaxVariable < 0 {
		return errors.New("config: Session: retry intervals must not be negative")
	}
	if s.KeepAliveInterval < 0 || s.BackgroundTimeout < 0 {
		return errors.New("config: Session: intervals must not be negative")
	}
	if s.RetryFixedDelay == 0 {
		s.RetryFixedDelay = defaultRetryFixedDelay
	}
	if s.RetryVariableFactor == 0 {
		s.RetryVariableFactor = defaultRetryVariableFactor
	}
	if s.RetryMaxVariable == 0 {
		s.RetryMaxVariable = defaultRetryMaxVariable
	}
	return nil
}

// FixedDelayDuration returns RetryFixedDelay as a time.Duration.
func (s *Session) FixedDelayDuration() time.Duration {
	return time.Duration(s.RetryFixedDelay) * time.Millisecond
}

// VariableFactorDuration returns RetryVariableFactor as a time.Duration.
func (s *Session) VariableFactorDuration() time.Duration {
	return time.Duration(s.RetryVariableFactor) * time.Millisecond
}

// MaxVariableDuration returns RetryMaxVariable as a time.Duration.
func (s *Session) MaxVariableDuration() time.Duration {
	return time.Duration(s.RetryMaxVariable) * time.Millisecond
}

// KeepAliveDuration returns KeepAliveInterval as a time.Duration.
func (s *Session) KeepAliveDuration() time.Duration {
	return time.Duration(s.KeepAliveInterval) * time.Millisecond
}

// BackgroundTimeoutDuration returns BackgroundTimeout as a time.Duration.
func (s *Session) BackgroundTimeoutDuration() time.Duration {
	return time.Duration(s.BackgroundTimeout) * time.Millisecond
}

// Transfer tunes the upload and download agents.
type Transfer struct {
	// Threads is the pool size of each agent.
	Threads int

	// MaxFailures is the retry budget per transfer.
	MaxFailures int

	// MaxDownloadSize defers downloads larger than this many bytes, zero
	// means no limit.
	MaxDownloadSize int64

	// ManualDownloads defers every download until explicitly resumed.
	ManualDownloads bool

	// ManualBroadcastDownloads defers only downloads of broadcast
	// content.
	ManualBroadcastDownloads bool
}

func (t *Transfer) validate() error {
	if t.Threads < 0 {
		return errors.New("config: Transfer: Threads must not be negative")
	}
	if t.Threads == 0 {
		t.Threads = defaultTransferThreads
	}
	if t.MaxFailures < 0 {
		return errors.New("config: Transfer: MaxFailures must not be negative")
	}
	if t.MaxFailures == 0 {
		t.MaxFailures = defaultTransferMaxFailures
	}
	if t.MaxDownloadSize < 0 {
		return errors.New("config: Transfer: MaxDownloadSize must not be negative")
	}
	return nil
}

// Config is the top level daemon configuration.
type Config struct {
	Logging  *Logging
	Server   *Server
	Session  *Session
	Transfer *Transfer

	// DataDir holds the record store and downloaded files.
	DataDir string
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is missing")
	}
	if !filepath.IsAbs(c.DataDir) {
		return errors.New("config: DataDir must be an absolute path")
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Server == nil {
		return errors.New("config: Server section is missing")
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if c.Session == nil {
		c.Session = &Session{}
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if c.Transfer == nil {
		c.Transfer = &Transfer{}
	}
	return c.Transfer.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
