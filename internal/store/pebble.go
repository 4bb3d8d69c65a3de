package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const chatKeyPrefix = "chat:"

// PebbleStore keeps each chat as a JSON document under "chat:<id>".
type PebbleStore struct {
	db *pebble.DB
	// mu makes the existence check in Insert and Update atomic with the write,
	// and keeps every call out of a closed db.
	mu     sync.RWMutex
	closed bool
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return NewPebbleStoreWithOptions(path, &pebble.Options{})
}

// NewPebbleStoreWithOptions opens path with caller supplied options, e.g. an
// in-memory vfs for tests.
func NewPebbleStoreWithOptions(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the db. Later calls return ErrStoreClosed.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}

func chatKey(id string) []byte {
	return []byte(chatKeyPrefix + id)
}

func (s *PebbleStore) Get(_ context.Context, id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(id)
}

func (s *PebbleStore) get(id string) (*Chat, error) {
	value, closer, err := s.db.Get(chatKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to get chat %s: %w", id, err)
	}
	defer closer.Close()

	var chat Chat
	if err := json.Unmarshal(value, &chat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat %s: %w", id, err)
	}
	if chat.Messages == nil {
		chat.Messages = []Message{}
	}
	return &chat, nil
}

func (s *PebbleStore) Insert(_ context.Context, chat *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.get(chat.ID); err == nil {
		return ErrChatExists
	} else if !errors.Is(err, ErrChatNotFound) {
		return err
	}

	now := time.Now().UTC()
	doc := *chat
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	if err := s.put(&doc); err != nil {
		return err
	}
	chat.CreatedAt, chat.UpdatedAt = now, now
	return nil
}

func (s *PebbleStore) Update(_ context.Context, id string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	chat, err := s.get(id)
	if err != nil {
		return err
	}
	chat.Messages = messages
	if chat.Messages == nil {
		chat.Messages = []Message{}
	}
	chat.UpdatedAt = time.Now().UTC()
	return s.put(chat)
}

func (s *PebbleStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(chatKeyPrefix),
		UpperBound: []byte("chat;"), // ';' sorts right after ':'
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open chat iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(chatKeyPrefix):]))
	}
	return ids, iter.Error()
}

func (s *PebbleStore) put(chat *Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat %s: %w", chat.ID, err)
	}
	if err := s.db.Set(chatKey(chat.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write chat %s: %w", chat.ID, err)
	}
	return nil
}
