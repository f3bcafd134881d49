// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

const (
	// shardQueueSize bounds how many updates may wait per worker.
	shardQueueSize = 32
	// drainTimeout bounds how long already received updates may take to
	// finish once shutdown starts.
	drainTimeout = 10 * time.Second
)

// RelayConnector owns the relay lifecycle: the correlation store, the
// Telegram client, the update workers and the admin API.
type RelayConnector struct {
	Config  *Config
	Log     zerolog.Logger
	Metrics *Metrics
	Store   store.Store

	updates updateSource
	relay   *RelayCoordinator
}

func NewRelayConnector(cfg *Config, log zerolog.Logger) *RelayConnector {
	return &RelayConnector{
		Config:  cfg,
		Log:     log,
		Metrics: NewMetrics(),
	}
}

// Start validates the config, opens the store and authenticates with Telegram.
func (rc *RelayConnector) Start(ctx context.Context) error {
	if err := rc.Config.Validate(); err != nil {
		return err
	}

	s, err := store.Open(rc.Config.Database.Type, rc.Config.Database.URI)
	if err != nil {
		return fmt.Errorf("failed to open correlation store: %w", err)
	}
	rc.Store = s
	rc.Metrics.TrackStore(s)

	client, err := NewTelegramClient(rc.Config, rc.Metrics, rc.Log)
	if err != nil {
		_ = s.Close()
		return err
	}
	rc.updates = client
	rc.relay = NewRelayCoordinator(client, s, rc.Config.Relay, client.BotUsername(), rc.Metrics)

	rc.Log.Info().
		Str("bot_username", client.BotUsername()).
		Str("channel", rc.Config.Channel().String()).
		Str("database", rc.Config.Database.Type).
		Int("workers", rc.Config.Relay.Workers).
		Msg("Relay connected to Telegram")
	if err := ctx.Err(); err != nil {
		_ = rc.Close()
		return err
	}
	return nil
}

// Run polls for updates and serves the admin API until ctx is cancelled or
// the update stream ends.
func (rc *RelayConnector) Run(ctx context.Context) error {
	if rc.updates == nil || rc.relay == nil {
		return errors.New("relay connector not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if rc.Config.AdminAPIAddr != "" {
		server := &http.Server{
			Addr:         rc.Config.AdminAPIAddr,
			Handler:      rc.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			rc.Log.Info().Str("addr", server.Addr).Msg("Starting relay admin API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	updates := rc.updates.Updates()
	g.Go(func() error {
		defer cancel()
		return rc.dispatch(ctx, updates)
	})
	return g.Wait()
}

// Close releases the correlation store.
func (rc *RelayConnector) Close() error {
	if rc.Store == nil {
		return nil
	}
	return rc.Store.Close()
}

// dispatch fans updates out to Config.Relay.Workers workers. Updates are
// sharded by chat so each chat is handled in arrival order.
//
// Cancelling ctx stops polling and aborts the calls in flight. Updates that
// were already received but not yet started are still handled, with a
// context bounded by drainTimeout. Every update handed to a worker is then
// confirmed so Telegram does not deliver it again.
func (rc *RelayConnector) dispatch(ctx context.Context, updates <-chan tgbotapi.Update) error {
	workers := max(rc.Config.Relay.Workers, 1)
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	updateContext := func() context.Context {
		if ctx.Err() != nil {
			return drainCtx
		}
		return ctx
	}

	queues := make([]chan tgbotapi.Update, workers)
	var g errgroup.Group
	for i := range queues {
		q := make(chan tgbotapi.Update, shardQueueSize)
		queues[i] = q
		g.Go(func() error {
			for upd := range q {
				rc.handleUpdate(updateContext(), upd)
			}
			return nil
		})
	}

	lastID := 0
	enqueue := func(upd tgbotapi.Update) bool {
		select {
		case queues[shardFor(upd, workers)] <- upd:
			lastID = max(lastID, upd.UpdateID)
			return true
		case <-drainCtx.Done():
			return false
		}
	}
	var drainTimer *time.Timer
	defer func() {
		for _, q := range queues {
			close(q)
		}
		_ = g.Wait()
		if drainTimer != nil {
			drainTimer.Stop()
		}
		if lastID > 0 {
			if err := rc.updates.Confirm(lastID); err != nil {
				rc.Log.Warn().Err(err).Int("update_id", lastID).Msg("Failed to confirm handled updates")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			rc.updates.Stop()
			drainTimer = time.AfterFunc(drainTimeout, cancelDrain)
			if n := drainBuffered(updates, enqueue); n > 0 {
				rc.Log.Info().Int("updates", n).Msg("Handling received updates before shutdown")
			}
			return nil
		case upd, ok := <-updates:
			if !ok {
				rc.Log.Info().Msg("Update stream closed")
				return nil
			}
			if !enqueue(upd) {
				return nil
			}
		}
	}
}

// drainBuffered hands the updates the poller has already delivered to
// enqueue. Updates Telegram is still sending stay unconfirmed and arrive
// again on the next start.
func drainBuffered(updates <-chan tgbotapi.Update, enqueue func(tgbotapi.Update) bool) int {
	n := 0
	for {
		select {
		case upd, ok := <-updates:
			if !ok || !enqueue(upd) {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func shardFor(upd tgbotapi.Update, workers int) int {
	if workers <= 1 {
		return 0
	}
	var chatID int64
	switch {
	case upd.Message != nil && upd.Message.Chat != nil:
		chatID = upd.Message.Chat.ID
	case upd.EditedMessage != nil && upd.EditedMessage.Chat != nil:
		chatID = upd.EditedMessage.Chat.ID
	}
	return int(uint64(chatID) % uint64(workers))
}

// handleUpdate processes one update. Failures end only that update's
// processing; they are logged here and never stop the relay.
func (rc *RelayConnector) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	log := rc.Log.With().Int("update_id", upd.UpdateID).Logger()
	ctx = log.WithContext(ctx)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Any("panic", p).Msg("Panic while handling update")
		}
	}()
	if err := rc.relay.HandleUpdate(ctx, upd); err != nil {
		log.Error().Err(err).Msg("Failed to handle update")
	}
}

// AdminHandler returns the admin API routes.
func (rc *RelayConnector) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mappings", rc.HandleMappingCount)
	mux.HandleFunc("GET /api/mappings/{chat_id}/{message_id}", rc.HandleMappingLookup)
	mux.Handle("GET /metrics", rc.Metrics.Handler())
	return mux
}

// MappingResponse is the body of GET /api/mappings/{chat_id}/{message_id}.
type MappingResponse struct {
	Source               string `json:"source"`
	DestinationMessageID int    `json:"destination_message_id"`
}

// HandleMappingCount serves GET /api/mappings.
func (rc *RelayConnector) HandleMappingCount(w http.ResponseWriter, r *http.Request) {
	n, err := rc.Store.Count(r.Context())
	if err != nil {
		rc.Log.Error().Err(err).Msg("Failed to count mappings")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	rc.writeJSON(w, map[string]int{"count": n})
}

// HandleMappingLookup serves GET /api/mappings/{chat_id}/{message_id}.
func (rc *RelayConnector) HandleMappingLookup(w http.ResponseWriter, r *http.Request) {
	key, err := parseSourceKeyParts(r.PathValue("chat_id"), r.PathValue("message_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dest, ok, err := rc.Store.Get(r.Context(), key)
	if err != nil {
		rc.Log.Error().Err(err).Str("source", key.String()).Msg("Failed to look up mapping")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "mapping not found", http.StatusNotFound)
		return
	}
	rc.writeJSON(w, MappingResponse{Source: key.String(), DestinationMessageID: dest})
}

func (rc *RelayConnector) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rc.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
