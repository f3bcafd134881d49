// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// ContentKind names the payload of a message that can be copied to the channel.
type ContentKind string

const (
	ContentUnsupported ContentKind = ""
	ContentText        ContentKind = "text"
	ContentPhoto       ContentKind = "photo"
	ContentDocument    ContentKind = "document"
	ContentVideo       ContentKind = "video"
	ContentVoice       ContentKind = "voice"
	ContentLocation    ContentKind = "location"
	ContentPoll        ContentKind = "poll"
	ContentContact     ContentKind = "contact"
	ContentAudio       ContentKind = "audio"
	ContentAnimation   ContentKind = "animation"
	ContentSticker     ContentKind = "sticker"
	ContentVideoNote   ContentKind = "video_note"
)

// ContentKindOf returns the first recognized content kind of msg, or
// ContentUnsupported.
func ContentKindOf(msg *tgbotapi.Message) ContentKind {
	switch {
	case msg == nil:
		return ContentUnsupported
	case msg.Text != "":
		return ContentText
	case len(msg.Photo) > 0:
		return ContentPhoto
	// Animations also populate Document; check them first so they're labelled correctly.
	case msg.Animation != nil:
		return ContentAnimation
	case msg.Document != nil:
		return ContentDocument
	case msg.Video != nil:
		return ContentVideo
	case msg.Voice != nil:
		return ContentVoice
	case msg.Location != nil:
		return ContentLocation
	case msg.Poll != nil:
		return ContentPoll
	case msg.Contact != nil:
		return ContentContact
	case msg.Audio != nil:
		return ContentAudio
	case msg.Sticker != nil:
		return ContentSticker
	case msg.VideoNote != nil:
		return ContentVideoNote
	default:
		return ContentUnsupported
	}
}

type updateKind int

const (
	updateIgnore updateKind = iota
	updateNew
	updateEdit
	updateStart
	updateDelete
)

func (k updateKind) String() string {
	switch k {
	case updateNew:
		return "new"
	case updateEdit:
		return "edit"
	case updateStart:
		return "start"
	case updateDelete:
		return "delete"
	default:
		return "ignore"
	}
}

// classifyUpdate decides how an update is handled. Commands addressed to a
// different bot are relayed like any other text. Edits to our own commands
// are ignored on purpose and never run the command again: editing the text
// of a /delete must not delete a second message.
func classifyUpdate(upd tgbotapi.Update, botUsername string) (updateKind, *tgbotapi.Message) {
	switch {
	case upd.Message != nil:
		msg := upd.Message
		if msg.Chat == nil {
			return updateIgnore, nil
		}
		switch botCommand(msg, botUsername) {
		case "start":
			return updateStart, msg
		case "delete":
			return updateDelete, msg
		}
		return updateNew, msg
	case upd.EditedMessage != nil:
		msg := upd.EditedMessage
		if msg.Chat == nil || botCommand(msg, botUsername) != "" {
			return updateIgnore, nil
		}
		return updateEdit, msg
	default:
		return updateIgnore, nil
	}
}

// botCommand returns "start" or "delete" if msg invokes one of the relay's
// commands, and "" otherwise.
func botCommand(msg *tgbotapi.Message, botUsername string) string {
	if !msg.IsCommand() {
		return ""
	}
	withAt := msg.CommandWithAt()
	if _, target, ok := strings.Cut(withAt, "@"); ok && botUsername != "" && !strings.EqualFold(target, botUsername) {
		return ""
	}
	switch cmd := msg.Command(); cmd {
	case "start", "delete":
		return cmd
	default:
		return ""
	}
}

// HandleUpdate routes a single inbound update to the matching handler.
func (r *RelayCoordinator) HandleUpdate(ctx context.Context, upd tgbotapi.Update) error {
	kind, msg := classifyUpdate(upd, r.botUsername)
	if kind == updateIgnore {
		zerolog.Ctx(ctx).Trace().Msg("Ignoring update")
		return nil
	}

	log := zerolog.Ctx(ctx).With().
		Str("update_kind", kind.String()).
		Int64("chat_id", msg.Chat.ID).
		Int("message_id", msg.MessageID).
		Logger()
	ctx = log.WithContext(ctx)

	switch kind {
	case updateStart:
		return r.HandleStart(ctx, msg)
	case updateDelete:
		return r.HandleDeleteCommand(ctx, msg)
	case updateEdit:
		return r.HandleEdit(ctx, msg)
	default:
		return r.HandleNew(ctx, msg)
	}
}
