// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

// MakeSourceKey creates a store.SourceKey from a Telegram chat and message ID.
func MakeSourceKey(chatID int64, messageID int) store.SourceKey {
	return store.SourceKey{ChatID: chatID, MessageID: messageID}
}

// SourceKeyOf returns the key identifying msg in its source chat.
func SourceKeyOf(msg *tgbotapi.Message) store.SourceKey {
	return MakeSourceKey(msg.Chat.ID, msg.MessageID)
}

// ParseSourceKey parses the "<chat_id>:<message_id>" form produced by
// store.SourceKey.String.
func ParseSourceKey(s string) (store.SourceKey, error) {
	chatPart, msgPart, ok := strings.Cut(s, ":")
	if !ok {
		return store.SourceKey{}, fmt.Errorf("invalid source key %q: missing separator", s)
	}
	return parseSourceKeyParts(chatPart, msgPart)
}

func parseSourceKeyParts(chatPart, msgPart string) (store.SourceKey, error) {
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return store.SourceKey{}, fmt.Errorf("invalid chat ID %q: %w", chatPart, err)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return store.SourceKey{}, fmt.Errorf("invalid message ID %q: %w", msgPart, err)
	}
	if messageID <= 0 {
		return store.SourceKey{}, fmt.Errorf("invalid message ID %d: must be positive", messageID)
	}
	return MakeSourceKey(chatID, messageID), nil
}

// ChannelTarget identifies the destination channel either by numeric chat ID
// or by public @username.
type ChannelTarget struct {
	ID       int64
	Username string
}

// ParseChannelTarget parses the CHANNEL_ID setting. Numeric values (usually
// -100...) become IDs, anything else must be an @username.
func ParseChannelTarget(s string) (ChannelTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChannelTarget{}, ErrMissingChannel
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return ChannelTarget{}, fmt.Errorf("invalid channel ID %q", s)
		}
		return ChannelTarget{ID: id}, nil
	}
	if !strings.HasPrefix(s, "@") || len(s) < 2 || strings.ContainsAny(s[1:], " @:/") {
		return ChannelTarget{}, fmt.Errorf("invalid channel %q: expected numeric ID or @username", s)
	}
	return ChannelTarget{Username: s}, nil
}

func (c ChannelTarget) String() string {
	if c.Username != "" {
		return c.Username
	}
	return strconv.FormatInt(c.ID, 10)
}

// IsZero reports whether no channel has been configured.
func (c ChannelTarget) IsZero() bool {
	return c.ID == 0 && c.Username == ""
}
