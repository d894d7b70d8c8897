// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists ask sessions and their messages in BadgerDB.
//
// # Description
//
// The ask surface reuses one "active" session per kind until it is ended.
// Messages are appended with a per-session monotonically increasing
// sequence number so iteration returns them in insertion order.
//
// Key layout:
//
//	active/<kind>              -> session id (pointer to the active session)
//	session/<id>               -> Session JSON
//	message/<id>/<seq:012d>    -> Message JSON
//
// # Thread Safety
//
// All methods are safe for concurrent use. Appends serialize on an internal
// mutex so sequence numbers never collide.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session describes one logical conversation container.
type Session struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Message is one persisted conversation message.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// Store is the narrow persistence port the orchestrator depends on.
type Store interface {
	// GetOrCreateActiveSession returns the active session id for kind,
	// creating one if none exists.
	GetOrCreateActiveSession(ctx context.Context, kind string) (string, error)

	// AppendMessage appends one message to a session.
	AppendMessage(ctx context.Context, sessionID, role, content string) error

	// Messages returns a session's messages in insertion order.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// EndActiveSession closes the active session for kind so the next
	// GetOrCreateActiveSession starts fresh. A no-op when none is active.
	EndActiveSession(ctx context.Context, kind string) error

	Close() error
}

// Config controls how the underlying Badger database is opened.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	// SyncWrites trades write latency for durability.
	SyncWrites bool
	// GCInterval is how often the value-log garbage collector runs.
	// Zero disables GC (in-memory databases never run it).
	GCInterval time.Duration
	Logger     *slog.Logger
}

// DefaultConfig returns a production configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerStore struct {
	db     *badger.DB
	log    *slog.Logger
	mu     sync.Mutex // serializes appends for sequence assignment
	gcStop chan struct{}
	gcDone chan struct{}
}

var _ Store = (*badgerStore)(nil)

// Open opens (or creates) the store described by cfg.
func Open(cfg Config) (Store, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(badgerSlogAdapter{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &badgerStore{db: db, log: log}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *badgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// Badger returns ErrNoRewrite when there is nothing to
			// collect; that is the common case and not worth logging.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

func activeKey(kind string) []byte  { return []byte("active/" + kind) }
func sessionKey(id string) []byte   { return []byte("session/" + id) }
func messagePrefix(id string) []byte {
	return []byte("message/" + id + "/")
}
func messageKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("message/%s/%012d", id, seq))
}

// GetOrCreateActiveSession implements Store.
func (s *badgerStore) GetOrCreateActiveSession(ctx context.Context, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sessionID string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(kind))
		if err == nil {
			return item.Value(func(val []byte) error {
				sessionID = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		sess := Session{
			ID:        uuid.New().String(),
			Kind:      kind,
			StartedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if err := txn.Set(sessionKey(sess.ID), data); err != nil {
			return err
		}
		if err := txn.Set(activeKey(kind), []byte(sess.ID)); err != nil {
			return err
		}
		sessionID = sess.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get or create active session: %w", err)
	}
	return sessionID, nil
}

// AppendMessage implements Store.
func (s *badgerStore) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{Role: role, Content: content, SentAt: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		seq, err := s.nextSeq(txn, sessionID)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(sessionID, seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// nextSeq finds the next message sequence number by seeking to the last
// existing message key. Caller holds s.mu.
func (s *badgerStore) nextSeq(txn *badger.Txn, sessionID string) (uint64, error) {
	prefix := messagePrefix(sessionID)
	it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: prefix})
	defer it.Close()

	// Seek past the last possible key under the prefix, then step back.
	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := string(it.Item().Key())
	var seq uint64
	if _, err := fmt.Sscanf(key[strings.LastIndex(key, "/")+1:], "%d", &seq); err != nil {
		return 0, fmt.Errorf("corrupt message key %q: %w", key, err)
	}
	return seq + 1, nil
}

// Messages implements Store.
func (s *badgerStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []Message
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		prefix := messagePrefix(sessionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// EndActiveSession implements Store.
func (s *badgerStore) EndActiveSession(ctx context.Context, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var sessionID string
		if err := item.Value(func(val []byte) error {
			sessionID = string(val)
			return nil
		}); err != nil {
			return err
		}

		sessItem, err := txn.Get(sessionKey(sessionID))
		if err == nil {
			var sess Session
			if err := sessItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return err
			}
			sess.EndedAt = time.Now().UTC()
			data, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			if err := txn.Set(sessionKey(sessionID), data); err != nil {
				return err
			}
		}
		return txn.Delete(activeKey(kind))
	})
	if err != nil {
		return fmt.Errorf("failed to end active session: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *badgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// badgerSlogAdapter routes Badger's internal logging through slog. Badger
// is chatty at INFO, so its info/debug output is demoted to debug.
type badgerSlogAdapter struct {
	log *slog.Logger
}

func (a badgerSlogAdapter) Errorf(format string, args ...any) {
	a.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a badgerSlogAdapter) Warningf(format string, args ...any) {
	a.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a badgerSlogAdapter) Infof(format string, args ...any) {
	a.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (a badgerSlogAdapter) Debugf(format string, args ...any) {
	a.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
