// Copyright 2024-2026 Aiku AI

// Package store holds the correlation map between relayed source messages and
// their copies in the destination channel.
package store

import (
	"context"
	"fmt"
	"strconv"
)

// SourceKey identifies a source message. Telegram message IDs are only unique
// within a chat, so the chat is part of the key.
type SourceKey struct {
	ChatID    int64
	MessageID int
}

func (k SourceKey) String() string {
	return strconv.FormatInt(k.ChatID, 10) + ":" + strconv.Itoa(k.MessageID)
}

// Less orders keys by chat, then message.
func (k SourceKey) Less(other SourceKey) bool {
	if k.ChatID != other.ChatID {
		return k.ChatID < other.ChatID
	}
	return k.MessageID < other.MessageID
}

// Store maps source messages to destination message IDs. An entry exists only
// while the destination copy is live; entries are never updated in place.
type Store interface {
	Get(ctx context.Context, key SourceKey) (destinationID int, ok bool, err error)
	Put(ctx context.Context, key SourceKey, destinationID int) error
	Delete(ctx context.Context, key SourceKey) (existed bool, err error)
	Count(ctx context.Context) (int, error)
	Close() error
}

const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
)

// Open returns the backend selected by storeType. uri is ignored for the
// memory backend.
func Open(storeType, uri string) (Store, error) {
	switch storeType {
	case "", TypeMemory:
		return NewMemory(), nil
	case TypeSQLite:
		return OpenSQLite(uri)
	default:
		return nil, fmt.Errorf("unknown database type %q", storeType)
	}
}
