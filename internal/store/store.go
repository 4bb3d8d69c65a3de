package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrChatExists   = errors.New("chat already exists")
	ErrStoreClosed  = errors.New("store closed")
)

// Collection is a keyed document collection holding one Chat per id.
type Collection interface {
	Get(ctx context.Context, id string) (*Chat, error)
	Insert(ctx context.Context, chat *Chat) error
	Update(ctx context.Context, id string, messages []Message) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns the Collection for driver ("sqlite" or "pebble") at path.
func Open(driver, path string) (Collection, error) {
	switch driver {
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pebble":
		s, err := NewPebbleStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
