package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/starfederation/datastar-go/datastar"
	"go.uber.org/zap"

	"github.com/1363V4/datastar-job/internal/auth"
	"github.com/1363V4/datastar-job/internal/core"
	"github.com/1363V4/datastar-job/internal/logger"
)

type APIHandler struct {
	relay         *core.Relay
	clockInterval time.Duration
}

func NewAPIHandler(relay *core.Relay) *APIHandler {
	return &APIHandler{relay: relay, clockInterval: core.ClockInterval}
}

// LoadHandler keeps the page clock ticking until the client goes away.
func (h *APIHandler) LoadHandler(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)

	err := core.RunClock(r.Context(), h.clockInterval, func(elements string) error {
		return sse.PatchElements(elements)
	})
	if err != nil {
		logger.WithCtx(r.Context()).Debug("Clock stream ended", zap.Error(err))
	}
}

type MessageSignals struct {
	Question string `json:"question"`
}

// MessageHandler streams the answer to the question signal for the caller's
// chat. A request without a question or chat cookie gets an empty stream.
func (h *APIHandler) MessageHandler(w http.ResponseWriter, r *http.Request) {
	var signals MessageSignals
	if err := datastar.ReadSignals(r, &signals); err != nil {
		logger.WithCtx(r.Context()).Debug("Invalid signals", zap.Error(err))
		http.Error(w, "Invalid signals: "+err.Error(), http.StatusBadRequest)
		return
	}

	chatID := auth.ChatIDFromContext(r.Context())
	ctx := logger.WithChatID(r.Context(), chatID)
	sse := datastar.NewSSE(w, r)

	err := h.relay.Answer(ctx, signals.Question, chatID, func(elements string) error {
		return sse.PatchElements(elements)
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrClientGone):
		logger.WithCtx(ctx).Debug("Client left before the answer completed")
	default:
		logger.WithCtx(ctx).Error("Error relaying answer", zap.Error(err))
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
