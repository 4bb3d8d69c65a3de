package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/1363V4/datastar-job/internal/config"
	"github.com/1363V4/datastar-job/internal/logger"
	"github.com/1363V4/datastar-job/internal/store"
)

const (
	dataPrefix = "data: "

	// maxLineSize bounds a single line of the event stream.
	maxLineSize = 1024 * 1024
)

type completionRequest struct {
	Messages    []store.Message `json:"messages"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// CompletionClient talks to an OpenAI-style chat completions endpoint
// (Mistral, Codestral, ...) using its "data: {json}" streaming format.
type CompletionClient struct {
	params     config.Parameters
	conv       *store.ConversationStore
	httpClient *http.Client
	metrics    *Metrics
}

// NewCompletionClient returns a client with no request timeout: a stalled
// upstream keeps the stream open until the peer closes it.
func NewCompletionClient(params config.Parameters, conv *store.ConversationStore, metrics *Metrics) *CompletionClient {
	return &CompletionClient{
		params:     params,
		conv:       conv,
		httpClient: &http.Client{},
		metrics:    metrics,
	}
}

func (c *CompletionClient) Stream(ctx context.Context, question, chatID string) error {
	conversation, err := c.conv.AppendMessage(ctx, chatID, store.RoleUser, question)
	if err != nil {
		return err
	}

	body, err := json.Marshal(completionRequest{
		Messages:    conversation,
		Model:       c.params.Model,
		Temperature: c.params.Temperature,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.params.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Authorization", c.params.Key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if _, err := c.conv.AppendMessage(ctx, chatID, store.RoleAssistant, ""); err != nil {
		return err
	}
	return c.consume(ctx, chatID, resp.Body)
}

// consume folds the deltas of body into the last message of chatID, in the
// order the lines arrive.
func (c *CompletionClient) consume(ctx context.Context, chatID string, body io.Reader) error {
	log := logger.WithCtx(ctx)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), dataPrefix)
		if !ok {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// includes the provider's [DONE] marker
			log.Debug("Skipping undecodable stream line", zap.String("payload", payload), zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
			continue
		}

		if err := appendDelta(ctx, c.conv, chatID, *chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
		c.metrics.delta()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("completion stream interrupted: %w", err)
	}
	return nil
}
