package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dataSourceName+sep+"_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The relay reads while the stream goroutine writes; one connection keeps
	// every statement serialized inside the process.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database. Later calls return ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- chat_id cookie
        messages TEXT NOT NULL DEFAULT '[]', -- JSON array of {role, content}
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Chat, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var chat Chat
	var messagesJSON string
	err := s.db.QueryRowContext(ctx, "SELECT id, messages, created_at, updated_at FROM chats WHERE id = ?", id).
		Scan(&chat.ID, &messagesJSON, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &chat.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages for chat %s: %w", id, err)
	}
	return &chat, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, chat *Chat) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	messagesJSON, err := marshalMessages(chat.Messages)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO chats (id, messages, created_at, updated_at) VALUES (?, ?, ?, ?)",
		chat.ID, messagesJSON, now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrChatExists
		}
		return fmt.Errorf("failed to execute chat insert: %w", err)
	}
	chat.CreatedAt, chat.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, messages []Message) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	messagesJSON, err := marshalMessages(messages)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET messages = ?, updated_at = ? WHERE id = ?",
		messagesJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to execute chat update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chats ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalMessages(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal messages: %w", err)
	}
	return string(b), nil
}
