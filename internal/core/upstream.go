package core

import (
	"context"
	"fmt"

	"github.com/1363V4/datastar-job/internal/store"
)

// Upstream streams the answer to question into the conversation of chatID.
//
// Implementations append the question as a user message, create an empty
// assistant placeholder once the provider accepts the request, then fold every
// text delta into the last message. They make a single attempt.
type Upstream interface {
	Stream(ctx context.Context, question, chatID string) error
}

// UpstreamStatusError reports a non-200 answer from the completion API. No
// assistant message is written in that case.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// appendDelta reads the latest history, appends delta to the last message and
// writes the whole list back.
func appendDelta(ctx context.Context, conv *store.ConversationStore, chatID, delta string) error {
	messages, err := conv.GetMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("no message to append delta to in chat %s: %w", chatID, store.ErrChatNotFound)
	}
	messages[len(messages)-1].Content += delta
	return conv.ReplaceMessages(ctx, chatID, messages)
}
