// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// CopyRequest describes a copyMessage call into the destination channel.
type CopyRequest struct {
	FromChatID int64
	MessageID  int
	// Caption overrides the copied message's caption when non-empty.
	Caption         string
	CaptionEntities []tgbotapi.MessageEntity
	// ReplyTo is the destination message to thread under, or 0.
	ReplyTo int
}

// ChannelAPI is the set of outbound platform operations the relay needs. It
// allows tests to inject a mock instead of talking to Telegram.
type ChannelAPI interface {
	CopyToChannel(ctx context.Context, req CopyRequest) (int, error)
	DeleteFromChannel(ctx context.Context, messageID int) error
	SendText(ctx context.Context, chatID int64, replyTo int, text string) error
}

// updateSource produces inbound updates until stopped.
type updateSource interface {
	Updates() tgbotapi.UpdatesChannel
	Stop()
	// Confirm marks every update up to lastUpdateID as handled.
	Confirm(lastUpdateID int) error
}

// TelegramClient wraps the Bot API with rate limiting and retries.
type TelegramClient struct {
	bot     *tgbotapi.BotAPI
	channel ChannelTarget
	limiter *rate.Limiter
	retry   RetryConfig
	metrics *Metrics

	pollTimeout int
	stopOnce    sync.Once

	log zerolog.Logger
}

var (
	_ ChannelAPI   = (*TelegramClient)(nil)
	_ updateSource = (*TelegramClient)(nil)
)

// NewTelegramClient authenticates against the Bot API (getMe) and returns a
// client bound to the configured destination channel.
func NewTelegramClient(cfg *Config, metrics *Metrics, log zerolog.Logger) (*TelegramClient, error) {
	endpoint := cfg.Telegram.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpClient := &http.Client{
		// Long polls hold the request open for PollTimeout seconds.
		Timeout: time.Duration(cfg.Telegram.PollTimeout+15) * time.Second,
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with Telegram: %w", err)
	}

	c := &TelegramClient{
		bot:         bot,
		channel:     cfg.Channel(),
		retry:       cfg.Retry,
		metrics:     metrics,
		pollTimeout: cfg.Telegram.PollTimeout,
		log:         log.With().Str("component", "tg_client").Logger(),
	}
	if cfg.RateLimit.PerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), burst)
	}
	return c, nil
}

// BotUsername returns the authenticated bot's username.
func (c *TelegramClient) BotUsername() string {
	return c.bot.Self.UserName
}

// Updates starts long polling for messages and edited messages.
func (c *TelegramClient) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message", "edited_message"}
	c.log.Info().Int("timeout", c.pollTimeout).Msg("Starting long polling")
	return c.bot.GetUpdatesChan(u)
}

// Stop ends long polling. Safe to call more than once.
func (c *TelegramClient) Stop() {
	c.stopOnce.Do(func() {
		c.bot.StopReceivingUpdates()
		c.log.Info().Msg("Stopped long polling")
	})
}

// Confirm acknowledges every update up to lastUpdateID. Telegram only drops
// updates once a later getUpdates asks for a higher offset, which the poller
// never does after Stop.
func (c *TelegramClient) Confirm(lastUpdateID int) error {
	u := tgbotapi.NewUpdate(lastUpdateID + 1)
	u.Limit = 1
	if _, err := c.bot.GetUpdates(u); err != nil {
		return fmt.Errorf("failed to confirm updates up to %d: %w", lastUpdateID, err)
	}
	return nil
}

func (c *TelegramClient) CopyToChannel(ctx context.Context, req CopyRequest) (int, error) {
	cfg := tgbotapi.CopyMessageConfig{
		BaseChat: tgbotapi.BaseChat{
			ChatID:           c.channel.ID,
			ChannelUsername:  c.channel.Username,
			ReplyToMessageID: req.ReplyTo,
		},
		FromChatID:      req.FromChatID,
		MessageID:       req.MessageID,
		Caption:         req.Caption,
		CaptionEntities: req.CaptionEntities,
	}
	var copied tgbotapi.MessageID
	err := c.do(ctx, "copy", false, func() error {
		var err error
		copied, err = c.bot.CopyMessage(cfg)
		return err
	})
	if err != nil {
		return 0, err
	}
	return copied.MessageID, nil
}

// DeleteFromChannel deletes a message from the destination channel. A message
// that is already gone counts as deleted.
func (c *TelegramClient) DeleteFromChannel(ctx context.Context, messageID int) error {
	cfg := tgbotapi.DeleteMessageConfig{
		ChatID:          c.channel.ID,
		ChannelUsername: c.channel.Username,
		MessageID:       messageID,
	}
	err := c.do(ctx, "delete", true, func() error {
		_, err := c.bot.Request(cfg)
		return err
	})
	if isMessageGone(err) {
		c.log.Warn().Int("destination_message_id", messageID).Msg("Channel message was already deleted")
		return nil
	}
	return err
}

func (c *TelegramClient) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	return c.do(ctx, "send", false, func() error {
		_, err := c.bot.Send(msg)
		return err
	})
}

// do runs fn under the rate limiter, retrying transient failures with
// exponential backoff up to retry.MaxAttempts attempts. When idempotent is
// false, fn is only retried after failures that prove Telegram did not apply
// the request.
func (c *TelegramClient) do(ctx context.Context, op string, idempotent bool, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			c.metrics.retry(op)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		return struct{}{}, classifyError(fn(), idempotent)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn().Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("Telegram API call failed, retrying")
		}),
	)
	c.metrics.call(op, err)
	if err != nil {
		return fmt.Errorf("telegram %s failed after %d attempt(s): %w", op, attempt, err)
	}
	return nil
}

func (c *TelegramClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.initialInterval > 0 {
		b.InitialInterval = c.retry.initialInterval
	}
	if c.retry.maxInterval > 0 {
		b.MaxInterval = c.retry.maxInterval
	}
	return b
}

// classifyError marks Bot API errors that retrying cannot fix as permanent.
// Rate limit responses carry the server-requested delay. A transport failure
// after the request may have reached Telegram is only retried for idempotent
// calls, since a repeated copyMessage would leave an untracked copy behind.
func classifyError(err error, idempotent bool) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		if idempotent || requestNotSent(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	switch {
	case apiErr.RetryAfter > 0:
		return fmt.Errorf("%w (%w)", err, backoff.RetryAfter(apiErr.RetryAfter))
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}

// requestNotSent reports whether err happened before the request could reach
// the Bot API.
func requestNotSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isMessageGone(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "message to delete not found")
}

// NewBotAPILogger adapts log for tgbotapi.SetLogger so the library's own log
// lines (long polling errors) end up in zerolog.
func NewBotAPILogger(log zerolog.Logger) tgbotapi.BotLogger {
	return botLogger{log: log.With().Str("component", "tgbotapi").Logger()}
}

type botLogger struct {
	log zerolog.Logger
}

func (b botLogger) Println(v ...any) {
	b.log.Warn().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (b botLogger) Printf(format string, v ...any) {
	b.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
