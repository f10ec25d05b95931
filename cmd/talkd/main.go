// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

// standalone talk client daemon
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hoccer/hoccer-talk-spike-sub001/config"
	"github.com/hoccer/hoccer-talk-spike-sub001/session"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transfer"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "talkd",
		Short: "Talk client daemon",
		Long: `The talk client daemon maintains the connection to the relay: it
registers or authenticates the client, keeps presences, relationships
and group state in sync, encrypts and dispatches queued messages, and
drives resumable attachment uploads and downloads in the background.`,
		Example: `
  # Start the daemon with a configuration file
  talkd --config /etc/talk/talkd.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "",
		"path to the daemon configuration file (TOML format)")
	cmd.MarkFlagRequired("config")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(configFile string) error {
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file: %v", err)
	}

	logBackend, err := cfg.Logging.InitBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	log := logBackend.GetLogger("talkd")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}
	downloadDir := filepath.Join(cfg.DataDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0o700); err != nil {
		return fmt.Errorf("failed to create download directory: %v", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "talk.db"))
	if err != nil {
		return fmt.Errorf("failed to open record store: %v", err)
	}
	defer store.Close()

	s, err := session.New(&session.Config{
		Dialer: &transport.TCPDialer{
			Address:    cfg.Server.Address,
			LogBackend: logBackend,
		},
		DownloadDir:         downloadDir,
		RetryFixedDelay:     cfg.Session.FixedDelayDuration(),
		RetryVariableFactor: cfg.Session.VariableFactorDuration(),
		RetryMaxVariable:    cfg.Session.MaxVariableDuration(),
		KeepAliveInterval:   cfg.Session.KeepAliveDuration(),
		BackgroundTimeout:   cfg.Session.BackgroundTimeoutDuration(),
		TransferThreads:     cfg.Transfer.Threads,
		TransferMaxFailures: cfg.Transfer.MaxFailures,
		DownloadPolicy: &transfer.Policy{
			MaxDownloadSize: cfg.Transfer.MaxDownloadSize,
			ManualOnly:      cfg.Transfer.ManualDownloads,
			ManualBroadcast: cfg.Transfer.ManualBroadcastDownloads,
		},
	}, store, logBackend)
	if err != nil {
		return fmt.Errorf("failed to create session: %v", err)
	}

	s.Start()
	defer s.Shutdown()

	// Drain session events into the log until a signal arrives.
	events := s.EventSink()
	for {
		select {
		case sig := <-haltCh:
			log.Noticef("received %v, shutting down", sig)
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Noticef("session terminated")
				return nil
			}
			switch ev := ev.(type) {
			case *session.StateChangedEvent:
				log.Debugf("session state: %v -> %v", ev.Old, ev.New)
			case *session.AlertEvent:
				log.Warningf("relay alert: %s", ev.Text)
			case *session.ConnectionLostEvent:
				log.Warningf("connection lost")
			default:
				log.Debugf("event: %T", ev)
			}
		}
	}
}
