// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/var/lib/talk"

[Server]
Address = "relay.example.com:8080"
`))
	require.NoError(err)

	require.Equal("NOTICE", cfg.Logging.Level)
	require.False(cfg.Logging.Disable)
	require.Equal(1*time.Second, cfg.Session.FixedDelayDuration())
	require.Equal(1*time.Second, cfg.Session.VariableFactorDuration())
	require.Equal(2*time.Minute, cfg.Session.MaxVariableDuration())
	require.Zero(cfg.Session.KeepAliveDuration())
	require.Equal(defaultTransferThreads, cfg.Transfer.Threads)
	require.Equal(defaultTransferMaxFailures, cfg.Transfer.MaxFailures)
	require.Zero(cfg.Transfer.MaxDownloadSize)
}

func TestLoadFull(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/home/alice/.talk"

[Logging]
Level = "DEBUG"
File = "/home/alice/.talk/talk.log"

[Server]
Address = "127.0.0.1:9000"

[Session]
RetryFixedDelay = 500
RetryVariableFactor = 2000
RetryMaxVariable = 60000
KeepAliveInterval = 30000
BackgroundTimeout = 10000

[Transfer]
Threads = 4
MaxFailures = 8
MaxDownloadSize = 10485760
ManualDownloads = true
`))
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(500*time.Millisecond, cfg.Session.FixedDelayDuration())
	require.Equal(2*time.Second, cfg.Session.VariableFactorDuration())
	require.Equal(1*time.Minute, cfg.Session.MaxVariableDuration())
	require.Equal(30*time.Second, cfg.Session.KeepAliveDuration())
	require.Equal(10*time.Second, cfg.Session.BackgroundTimeoutDuration())
	require.Equal(4, cfg.Transfer.Threads)
	require.Equal(8, cfg.Transfer.MaxFailures)
	require.Equal(int64(10485760), cfg.Transfer.MaxDownloadSize)
	require.True(cfg.Transfer.ManualDownloads)
	require.False(cfg.Transfer.ManualBroadcastDownloads)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	require := require.New(t)

	for _, body := range []string{
		// No DataDir.
		`[Server]
Address = "relay:8080"`,
		// Relative DataDir.
		`DataDir = "talk"
[Server]
Address = "relay:8080"`,
		// No Server section.
		`DataDir = "/var/lib/talk"`,
		// Empty relay address.
		`DataDir = "/var/lib/talk"
[Server]
Address = ""`,
		// Bogus log level.
		`DataDir = "/var/lib/talk"
[Logging]
Level = "LOUD"
[Server]
Address = "relay:8080"`,
		// Negative retry interval.
		`DataDir = "/var/lib/talk"
[Server]
Address = "relay:8080"
[Session]
RetryFixedDelay = -1`,
		// Negative retry budget.
		`DataDir = "/var/lib/talk"
[Server]
Address = "relay:8080"
[Transfer]
MaxFailures = -1`,
	} {
		_, err := Load([]byte(body))
		require.Error(err, "config: %s", body)
	}
}

func TestDisabledLoggingBackendIsWritable(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/var/lib/talk"

[Logging]
Disable = true

[Server]
Address = "relay:8080"
`))
	require.NoError(err)

	backend, err := cfg.Logging.InitBackend()
	require.NoError(err)

	// The returned logger must swallow writes, not blow up on them.
	backend.GetLogger("test").Warningf("discarded %d", 1)
}

func TestLoggingFileMustBeAbsolute(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/var/lib/talk"

[Logging]
File = "talk.log"

[Server]
Address = "relay:8080"
`))
	require.NoError(err)

	_, err = cfg.Logging.InitBackend()
	require.Error(err)
}
