// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command telegram-channel-relay is a Telegram bot that anonymously relays
// the messages users send it into a channel, keeping replies threaded and
// propagating edits and /delete requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aiku/telegram-channel-relay/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name    = "telegram-channel-relay"
	Version = "0.1.0"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "config.yaml", "path to the config file")
	envFile := flagSet.StringP("env-file", "e", ".env", "path to an env file to load (missing file is ignored)")
	generate := flagSet.BoolP("generate-config", "g", false, "write the example config to --config and exit")
	showVersion := flagSet.BoolP("version", "v", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("%s %s (tag %s, commit %s, built %s)\n", Name, Version, Tag, Commit, BuildTime)
		return nil
	}
	if *generate {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			return fmt.Errorf("failed to write example config: %w", err)
		}
		fmt.Printf("Wrote example config to %s\n", *configPath)
		return nil
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	_ = tgbotapi.SetLogger(connector.NewBotAPILogger(*log))
	log.Info().Str("version", Version).Str("commit", Commit).Msg("Starting " + Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := connector.NewRelayConnector(cfg, *log)
	if err := rc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close correlation store")
		}
	}()

	if err := rc.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
