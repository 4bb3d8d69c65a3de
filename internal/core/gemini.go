package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/1363V4/datastar-job/internal/logger"
	"github.com/1363V4/datastar-job/internal/store"
)

const geminiModelRole = "model"

// GeminiClient streams answers from the Gemini API. The stored conversation is
// replayed as chat history on every call; system messages become the model's
// system instruction.
type GeminiClient struct {
	client      *genai.Client
	modelName   string
	temperature float32
	conv        *store.ConversationStore
	metrics     *Metrics
}

// NewGeminiClient authenticates with apiKey. Extra opts are passed to the GenAI
// client after it, e.g. a custom HTTP client.
func NewGeminiClient(ctx context.Context, apiKey, modelName string, temperature float64, conv *store.ConversationStore, metrics *Metrics, opts ...option.ClientOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		modelName:   modelName,
		temperature: float32(temperature),
		conv:        conv,
		metrics:     metrics,
	}, nil
}

func (g *GeminiClient) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			logger.L().Warn("Error closing GenAI client", zap.Error(err))
		} else {
			logger.L().Info("GenAI client closed")
		}
	}
}

func (g *GeminiClient) Stream(ctx context.Context, question, chatID string) error {
	conversation, err := g.conv.AppendMessage(ctx, chatID, store.RoleUser, question)
	if err != nil {
		return err
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(g.temperature)

	// the question itself is sent by SendMessageStream, not replayed
	system, history := toGeminiHistory(conversation[:len(conversation)-1])
	if system != nil {
		model.SystemInstruction = system
	}

	chatSession := model.StartChat()
	chatSession.History = history

	iter := chatSession.SendMessageStream(ctx, genai.Text(question))
	started := false
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			if !started {
				return fmt.Errorf("gemini stream failed: %w", err)
			}
			return fmt.Errorf("gemini stream interrupted: %w", err)
		}

		if !started {
			if _, err := g.conv.AppendMessage(ctx, chatID, store.RoleAssistant, ""); err != nil {
				return err
			}
			started = true
		}

		text := responseText(resp)
		if text == "" {
			continue
		}
		if err := appendDelta(ctx, g.conv, chatID, text); err != nil {
			return err
		}
		g.metrics.delta()
	}
}

// toGeminiHistory splits stored messages into a system instruction and a
// user/model history. Empty messages are dropped since the API rejects empty
// parts.
func toGeminiHistory(messages []store.Message) (*genai.Content, []*genai.Content) {
	var systemParts []string
	var history []*genai.Content

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case store.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case store.RoleAssistant:
			history = append(history, &genai.Content{
				Role:  geminiModelRole,
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		default:
			history = append(history, &genai.Content{
				Role:  string(store.RoleUser),
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}

	if len(systemParts) == 0 {
		return nil, history
	}
	return &genai.Content{
		Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))},
	}, history
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String()
}
