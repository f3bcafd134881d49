// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

// RelayCoordinator turns inbound messages into copy/delete operations on the
// destination channel and keeps the correlation map in sync with them.
type RelayCoordinator struct {
	api         ChannelAPI
	store       store.Store
	locks       *keyLocker
	cfg         RelayConfig
	botUsername string
	metrics     *Metrics
}

func NewRelayCoordinator(api ChannelAPI, s store.Store, cfg RelayConfig, botUsername string, metrics *Metrics) *RelayCoordinator {
	return &RelayCoordinator{
		api:         api,
		store:       s,
		locks:       newKeyLocker(),
		cfg:         cfg,
		botUsername: botUsername,
		metrics:     metrics,
	}
}

// HandleNew relays a newly received message. Replies are only relayed when
// their parent has a live copy in the channel; they are then threaded under
// that copy.
func (r *RelayCoordinator) HandleNew(ctx context.Context, msg *tgbotapi.Message) error {
	kind := ContentKindOf(msg)
	if kind == ContentUnsupported {
		r.metrics.event("unsupported")
		zerolog.Ctx(ctx).Debug().Msg("Unsupported message type")
		return r.notify(ctx, msg, r.cfg.Messages.Unsupported)
	}

	key := SourceKeyOf(msg)
	log := zerolog.Ctx(ctx).With().
		Str("source", key.String()).
		Str("content_kind", string(kind)).
		Logger()

	if msg.ReplyToMessage == nil {
		r.metrics.event("new")
		unlock := r.locks.Lock(key)
		defer unlock()
		return r.copyAndTrack(ctx, log, msg, key, CopyRequest{})
	}

	r.metrics.event("reply")
	parentKey := MakeSourceKey(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	unlock := r.locks.Lock(key, parentKey)
	defer unlock()

	parentDest, ok, err := r.store.Get(ctx, parentKey)
	if err != nil {
		return fmt.Errorf("failed to look up reply target %s: %w", parentKey, err)
	}
	if !ok {
		log.Debug().Str("parent", parentKey.String()).Msg("Reply target has no channel copy, dropping reply")
		if r.cfg.NotifyMissingParent {
			return r.notify(ctx, msg, r.cfg.Messages.MissingParent)
		}
		return nil
	}
	return r.copyAndTrack(ctx, log, msg, key, CopyRequest{ReplyTo: parentDest})
}

// HandleEdit replaces the channel copy of an edited message: the old copy is
// deleted and the edited message is copied again under the same source key.
// Untracked messages are copied as if new.
func (r *RelayCoordinator) HandleEdit(ctx context.Context, msg *tgbotapi.Message) error {
	r.metrics.event("edit")
	key := SourceKeyOf(msg)
	log := zerolog.Ctx(ctx).With().Str("source", key.String()).Logger()

	keys := []store.SourceKey{key}
	var parentKey store.SourceKey
	threaded := r.cfg.ThreadEditedReplies && msg.ReplyToMessage != nil
	if threaded {
		parentKey = MakeSourceKey(msg.Chat.ID, msg.ReplyToMessage.MessageID)
		keys = append(keys, parentKey)
	}
	unlock := r.locks.Lock(keys...)
	defer unlock()

	oldDest, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up edited message %s: %w", key, err)
	}
	if ok {
		if err := r.api.DeleteFromChannel(ctx, oldDest); err != nil {
			return r.relayFailed(ctx, msg, fmt.Errorf("failed to delete previous copy %d: %w", oldDest, err))
		}
		if _, err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to remove mapping for %s: %w", key, err)
		}
		log.Debug().Int("destination_message_id", oldDest).Msg("Deleted previous copy of edited message")
	} else {
		log.Debug().Msg("Edited message has no channel copy, copying as new")
	}

	req := CopyRequest{
		Caption:         msg.Caption,
		CaptionEntities: msg.CaptionEntities,
	}
	if threaded {
		parentDest, ok, err := r.store.Get(ctx, parentKey)
		if err != nil {
			return fmt.Errorf("failed to look up reply target %s: %w", parentKey, err)
		}
		if ok {
			req.ReplyTo = parentDest
		}
	}
	return r.copyAndTrack(ctx, log, msg, key, req)
}

// HandleDeleteCommand deletes the channel copy of the message that cmd
// replies to.
func (r *RelayCoordinator) HandleDeleteCommand(ctx context.Context, cmd *tgbotapi.Message) error {
	r.metrics.event("delete_command")
	if cmd.ReplyToMessage == nil {
		return r.notify(ctx, cmd, r.cfg.Messages.DeleteNeedsReply)
	}

	target := MakeSourceKey(cmd.Chat.ID, cmd.ReplyToMessage.MessageID)
	log := zerolog.Ctx(ctx).With().Str("source", target.String()).Logger()
	unlock := r.locks.Lock(target)
	defer unlock()

	dest, ok, err := r.store.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to look up delete target %s: %w", target, err)
	}
	if !ok {
		log.Debug().Msg("Delete target has no channel copy")
		return r.notify(ctx, cmd, r.cfg.Messages.DeleteNotFound)
	}
	if err := r.api.DeleteFromChannel(ctx, dest); err != nil {
		return r.relayFailed(ctx, cmd, fmt.Errorf("failed to delete channel message %d: %w", dest, err))
	}
	if _, err := r.store.Delete(ctx, target); err != nil {
		return fmt.Errorf("failed to remove mapping for %s: %w", target, err)
	}
	log.Info().Int("destination_message_id", dest).Msg("Deleted message from channel")
	return nil
}

// HandleStart sends the usage notice.
func (r *RelayCoordinator) HandleStart(ctx context.Context, msg *tgbotapi.Message) error {
	r.metrics.event("start")
	if err := r.api.SendText(ctx, msg.Chat.ID, 0, r.cfg.Messages.Start); err != nil {
		return fmt.Errorf("failed to send usage notice: %w", err)
	}
	return nil
}

func (r *RelayCoordinator) copyAndTrack(ctx context.Context, log zerolog.Logger, msg *tgbotapi.Message, key store.SourceKey, req CopyRequest) error {
	req.FromChatID = msg.Chat.ID
	req.MessageID = msg.MessageID
	destID, err := r.api.CopyToChannel(ctx, req)
	if err != nil {
		return r.relayFailed(ctx, msg, fmt.Errorf("failed to copy message to channel: %w", err))
	}
	if err := r.store.Put(ctx, key, destID); err != nil {
		return fmt.Errorf("failed to store mapping %s -> %d: %w", key, destID, err)
	}
	log.Debug().
		Int("destination_message_id", destID).
		Int("reply_to", req.ReplyTo).
		Msg("Copied message to channel")
	return nil
}

// notify replies to msg's sender with text. Empty texts are not sent.
func (r *RelayCoordinator) notify(ctx context.Context, msg *tgbotapi.Message, text string) error {
	if text == "" {
		return nil
	}
	if err := r.api.SendText(ctx, msg.Chat.ID, msg.MessageID, text); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// relayFailed optionally tells the sender about a failed platform call and
// returns err unchanged.
func (r *RelayCoordinator) relayFailed(ctx context.Context, msg *tgbotapi.Message, err error) error {
	if !r.cfg.NotifyFailures || ctx.Err() != nil {
		return err
	}
	if notifyErr := r.notify(ctx, msg, r.cfg.Messages.RelayFailed); notifyErr != nil {
		zerolog.Ctx(ctx).Warn().Err(notifyErr).Msg("Failed to tell sender about relay failure")
	}
	return err
}
