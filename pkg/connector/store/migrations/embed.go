// Copyright 2024-2026 Aiku AI

// Package migrations embeds the SQLite schema for the correlation store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
