package store

import (
	"context"
	"errors"
	"fmt"
)

// ConversationStore exposes a chat as an ordered message log on top of a
// Collection. It adds no locking: two writers on the same chat can interleave
// their read-modify-write cycles and lose an update.
type ConversationStore struct {
	coll Collection
}

func NewConversationStore(coll Collection) *ConversationStore {
	return &ConversationStore{coll: coll}
}

// GetMessages returns the messages of chatID, or an empty slice when the chat
// has never been written.
func (s *ConversationStore) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	chat, err := s.coll.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to get messages for chat %s: %w", chatID, err)
	}
	if chat.Messages == nil {
		return []Message{}, nil
	}
	return chat.Messages, nil
}

// AppendMessage adds {role, content} to the end of the chat, creating the chat
// first if needed, and returns the full updated list.
func (s *ConversationStore) AppendMessage(ctx context.Context, chatID string, role Role, content string) ([]Message, error) {
	chat, err := s.coll.Get(ctx, chatID)
	if errors.Is(err, ErrChatNotFound) {
		chat = &Chat{ID: chatID, Messages: []Message{}}
		err = s.coll.Insert(ctx, chat)
		if errors.Is(err, ErrChatExists) {
			// lost the creation race; continue from the winner's document
			chat, err = s.coll.Get(ctx, chatID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}

	messages := append(chat.Messages, Message{Role: role, Content: content})
	if err := s.coll.Update(ctx, chatID, messages); err != nil {
		return nil, fmt.Errorf("failed to append message to chat %s: %w", chatID, err)
	}
	return messages, nil
}

// ReplaceMessages overwrites the stored list. ErrChatNotFound means the caller
// replaced a chat it never created.
func (s *ConversationStore) ReplaceMessages(ctx context.Context, chatID string, messages []Message) error {
	if err := s.coll.Update(ctx, chatID, messages); err != nil {
		return fmt.Errorf("failed to replace messages of chat %s: %w", chatID, err)
	}
	return nil
}

// ChatIDs lists every stored chat id.
func (s *ConversationStore) ChatIDs(ctx context.Context) ([]string, error) {
	return s.coll.List(ctx)
}
