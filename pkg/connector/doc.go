// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Telegram bot that relays the messages users
// send it into a single destination channel.
//
// Messages are copied (not forwarded), so the channel never shows who sent
// them. Reply threading, edits and deletions are carried over by keeping a
// correlation map from each source message to its copy in the channel.
//
// # Core Types
//
// [RelayConnector] manages the relay lifecycle: it opens the correlation
// store, authenticates with the Bot API, runs the update workers and serves
// the admin API (/api/mappings, /metrics).
//
// [TelegramClient] wraps the Bot API. Every outbound call goes through a rate
// limiter and a bounded exponential-backoff retry.
//
// [RelayCoordinator] translates inbound messages into channel operations:
//
//   - new message: copy to the channel and record the mapping
//   - reply: copy threaded under the parent's copy, or drop if the parent is unknown
//   - edit: delete the old copy, copy again, record the new mapping
//   - /delete (as a reply): delete the copy and forget the mapping
//   - /start: send the usage notice
//
// # Correlation Map
//
// A mapping exists for a source message if and only if its copy is live in
// the channel. Mappings are never updated in place; an edit removes and
// reinserts. Every read-modify-write on a source key runs under a per-key
// lock, so the map stays consistent even with several update workers.
//
// The default store keeps mappings in memory only. Configure
// database.type: sqlite to keep them across restarts.
package connector
