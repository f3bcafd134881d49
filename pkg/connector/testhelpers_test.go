// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

const (
	testToken       = "123456:TEST-TOKEN"
	testChannelID   = int64(-1001234567890)
	testBotUsername = "relay_bot"
)

var testMessages = MessagesConfig{
	Start:            "start notice",
	Unsupported:      "unsupported notice",
	DeleteNeedsReply: "needs reply notice",
	DeleteNotFound:   "not found notice",
	MissingParent:    "missing parent notice",
	RelayFailed:      "relay failed notice",
}

// textCall records a SendText invocation.
type textCall struct {
	ChatID  int64
	ReplyTo int
	Text    string
}

// mockChannelAPI simulates the destination channel. It hands out increasing
// message IDs and tracks which copies are currently live.
type mockChannelAPI struct {
	mu sync.Mutex

	nextID  int
	live    map[int]bool
	copies  []CopyRequest
	deletes []int
	texts   []textCall

	// CopyErr, DeleteErr and SendErr make the matching call fail.
	CopyErr   error
	DeleteErr error
	SendErr   error
}

func newMockChannelAPI() *mockChannelAPI {
	return &mockChannelAPI{nextID: 100, live: make(map[int]bool)}
}

func (m *mockChannelAPI) CopyToChannel(ctx context.Context, req CopyRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, req)
	if m.CopyErr != nil {
		return 0, m.CopyErr
	}
	m.nextID++
	m.live[m.nextID] = true
	return m.nextID, nil
}

func (m *mockChannelAPI) DeleteFromChannel(ctx context.Context, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, messageID)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.live, messageID)
	return nil
}

func (m *mockChannelAPI) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, textCall{ChatID: chatID, ReplyTo: replyTo, Text: text})
	return m.SendErr
}

func (m *mockChannelAPI) Copies() []CopyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]CopyRequest, len(m.copies))
	copy(cp, m.copies)
	return cp
}

func (m *mockChannelAPI) Deletes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]int, len(m.deletes))
	copy(cp, m.deletes)
	return cp
}

func (m *mockChannelAPI) Texts() []textCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]textCall, len(m.texts))
	copy(cp, m.texts)
	return cp
}

func (m *mockChannelAPI) Live(messageID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[messageID]
}

func (m *mockChannelAPI) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// newTestRelay creates a RelayCoordinator backed by a mock channel and an
// in-memory store. Notices use testMessages.
func testRelayConfig() RelayConfig {
	return RelayConfig{
		Workers:             1,
		ThreadEditedReplies: true,
		Messages:            testMessages,
	}
}

func newTestRelay(opts ...func(*RelayConfig)) (*RelayCoordinator, *mockChannelAPI, *store.Memory) {
	cfg := testRelayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	api := newMockChannelAPI()
	mem := store.NewMemory()
	return NewRelayCoordinator(api, mem, cfg, testBotUsername, NewMetrics()), api, mem
}

func textMessage(chatID int64, messageID int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		Text:      text,
	}
}

func replyMessage(chatID int64, messageID, parentID int, text string) *tgbotapi.Message {
	msg := textMessage(chatID, messageID, text)
	msg.ReplyToMessage = &tgbotapi.Message{
		MessageID: parentID,
		Chat:      msg.Chat,
	}
	return msg
}

// commandMessage builds a message whose text starts with a bot command
// entity, e.g. "/delete" or "/start@relay_bot". A positive replyTo makes it
// a reply.
func commandMessage(chatID int64, messageID int, text string, replyTo int) *tgbotapi.Message {
	var msg *tgbotapi.Message
	if replyTo > 0 {
		msg = replyMessage(chatID, messageID, replyTo, text)
	} else {
		msg = textMessage(chatID, messageID, text)
	}
	cmd, _, _ := strings.Cut(text, " ")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return msg
}

func photoMessage(chatID int64, messageID int, caption string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		Photo:     []tgbotapi.PhotoSize{{FileID: "photo-file", Width: 90, Height: 90}},
		Caption:   caption,
	}
}

// tgCall records a Bot API method invocation.
type tgCall struct {
	Method string
	Params url.Values
}

// fakeUpdates is an updateSource backed by a buffered channel.
type fakeUpdates struct {
	ch chan tgbotapi.Update

	mu        sync.Mutex
	stopped   bool
	confirmed int
}

func newFakeUpdates(buffer int) *fakeUpdates {
	return &fakeUpdates{ch: make(chan tgbotapi.Update, buffer)}
}

func (f *fakeUpdates) Updates() tgbotapi.UpdatesChannel { return f.ch }

// Stop records the call. The channel stays open, like tgbotapi's while a
// long poll is still running.
func (f *fakeUpdates) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeUpdates) Confirm(lastUpdateID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = lastUpdateID
	return nil
}

func (f *fakeUpdates) state() (stopped bool, confirmed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped, f.confirmed
}

// tgFailure is a canned Bot API error response. With Drop set, the request
// is applied and the connection is closed before any response is written.
type tgFailure struct {
	Code        int
	Description string
	RetryAfter  int
	Drop        bool
}

// fakeTG is a test helper that wraps an httptest.Server simulating the
// Telegram Bot API. It records calls and provides canned responses.
type fakeTG struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []tgCall
	nextID int

	// failures maps a method name to errors returned, in order, before the
	// method starts succeeding.
	failures map[string][]tgFailure
	// updates are served by getUpdates according to the requested offset.
	updates []tgbotapi.Update
	// offset is the highest offset getUpdates was called with.
	offset int
}

func newFakeTG() *fakeTG {
	f := &fakeTG{
		nextID:   500,
		failures: make(map[string][]tgFailure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeTG) Close() {
	f.Server.Close()
}

// Endpoint is the api_endpoint format string pointing at the fake server.
func (f *fakeTG) Endpoint() string {
	return f.Server.URL + "/bot%s/%s"
}

// Fail queues failures for method.
func (f *fakeTG) Fail(method string, failures ...tgFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], failures...)
}

// PushUpdate queues an update for getUpdates. Update IDs are assigned in order.
func (f *fakeTG) PushUpdate(upd tgbotapi.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upd.UpdateID = len(f.updates) + 1
	f.updates = append(f.updates, upd)
}

func (f *fakeTG) Calls() []tgCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]tgCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// Offset returns the highest getUpdates offset seen, which confirms every
// earlier update.
func (f *fakeTG) Offset() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// CallsTo returns the recorded calls of a single method.
func (f *fakeTG) CallsTo(method string) []tgCall {
	var out []tgCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTG) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := path.Base(r.URL.Path)
	if !strings.HasPrefix(r.URL.Path, "/bot"+testToken+"/") {
		f.writeError(w, tgFailure{Code: http.StatusUnauthorized, Description: "Unauthorized"})
		return
	}
	if method != "getUpdates" {
		f.mu.Lock()
		f.calls = append(f.calls, tgCall{Method: method, Params: r.PostForm})
		f.mu.Unlock()
	}

	if failure, ok := f.popFailure(method); ok {
		if failure.Drop {
			f.newID()
			f.dropConnection(w)
			return
		}
		f.writeError(w, failure)
		return
	}

	switch method {
	case "getMe":
		f.writeResult(w, tgbotapi.User{ID: 1, IsBot: true, FirstName: "Relay", UserName: testBotUsername})
	case "copyMessage":
		f.writeResult(w, tgbotapi.MessageID{MessageID: f.newID()})
	case "deleteMessage":
		f.writeResult(w, true)
	case "sendMessage":
		chatID, _ := strconv.ParseInt(r.PostForm.Get("chat_id"), 10, 64)
		f.writeResult(w, tgbotapi.Message{
			MessageID: f.newID(),
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			Text:      r.PostForm.Get("text"),
		})
	case "getUpdates":
		offset, _ := strconv.Atoi(r.PostForm.Get("offset"))
		f.mu.Lock()
		f.offset = max(f.offset, offset)
		f.mu.Unlock()
		f.writeResult(w, f.pendingUpdates(offset))
	default:
		f.writeError(w, tgFailure{Code: http.StatusNotFound, Description: "Not Found: method " + method})
	}
}

func (f *fakeTG) popFailure(method string) (tgFailure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.failures[method]
	if len(queue) == 0 {
		return tgFailure{}, false
	}
	f.failures[method] = queue[1:]
	return queue[0], true
}

func (f *fakeTG) dropConnection(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}

func (f *fakeTG) newID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

// pendingUpdates returns the queued updates at or after offset. When none are
// pending it waits briefly, like a short long poll.
func (f *fakeTG) pendingUpdates(from int) []tgbotapi.Update {
	for range 10 {
		f.mu.Lock()
		var out []tgbotapi.Update
		for _, upd := range f.updates {
			if upd.UpdateID >= from {
				out = append(out, upd)
			}
		}
		f.mu.Unlock()
		if len(out) > 0 {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	return []tgbotapi.Update{}
}

func (f *fakeTG) writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeTG) writeError(w http.ResponseWriter, failure tgFailure) {
	body := map[string]any{
		"ok":          false,
		"error_code":  failure.Code,
		"description": failure.Description,
	}
	if failure.RetryAfter > 0 {
		body["parameters"] = map[string]any{"retry_after": failure.RetryAfter}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(failure.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// newTestConfig returns a post-processed Config pointing at the fake server
// with fast retries and no rate limit.
func newTestConfig(f *fakeTG) *Config {
	cfg := &Config{
		Telegram: TelegramConfig{
			Token:       testToken,
			ChannelID:   strconv.FormatInt(testChannelID, 10),
			APIEndpoint: f.Endpoint(),
			PollTimeout: 1,
		},
		Relay: RelayConfig{
			Workers:             1,
			ThreadEditedReplies: true,
			Messages:            testMessages,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: "1ms",
			MaxInterval:     "2ms",
		},
		Database: DatabaseConfig{Type: store.TypeMemory},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}
