package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1363V4/datastar-job/internal/logger"
	"github.com/1363V4/datastar-job/internal/store"
)

const DefaultPollInterval = 100 * time.Millisecond

// ErrClientGone is returned when the client connection can no longer receive
// patches. It ends a relay or clock loop without being a failure.
var ErrClientGone = errors.New("client disconnected")

// Relay turns one question into a sequence of answer patches. The upstream
// stream runs in its own goroutine and writes into the conversation store;
// the relay polls the store and patches the client until the stream ends.
type Relay struct {
	conv         *store.ConversationStore
	upstream     Upstream
	preprompt    string
	pollInterval time.Duration
	metrics      *Metrics

	// streams counts upstream goroutines that may outlive their request.
	streams sync.WaitGroup
}

func NewRelay(conv *store.ConversationStore, upstream Upstream, preprompt string, metrics *Metrics) *Relay {
	return &Relay{
		conv:         conv,
		upstream:     upstream,
		preprompt:    preprompt,
		pollInterval: DefaultPollInterval,
		metrics:      metrics,
	}
}

func (r *Relay) WithPollInterval(d time.Duration) *Relay {
	r.pollInterval = d
	return r
}

// EnsurePreprompt seeds an empty conversation with the system preprompt.
func (r *Relay) EnsurePreprompt(ctx context.Context, chatID string) error {
	history, err := r.conv.GetMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		return nil
	}
	_, err = r.conv.AppendMessage(ctx, chatID, store.RoleSystem, r.preprompt)
	return err
}

// Answer relays question for chatID. It emits nothing when either is empty.
//
// The upstream stream is detached from ctx: if the client leaves, Answer
// returns ErrClientGone but the stream still runs to completion and keeps
// writing into the store.
func (r *Relay) Answer(ctx context.Context, question, chatID string, patch PatchFunc) error {
	if question == "" || chatID == "" {
		return nil
	}

	ctx = logger.WithChatID(ctx, chatID)
	log := logger.WithCtx(ctx)

	if err := r.EnsurePreprompt(ctx, chatID); err != nil {
		r.metrics.relayDone("error")
		return fmt.Errorf("failed to seed preprompt: %w", err)
	}

	r.metrics.relayActive(1)
	defer r.metrics.relayActive(-1)

	done := make(chan error, 1)
	r.streams.Add(1)
	go func(ctx context.Context) {
		defer r.streams.Done()
		done <- r.upstream.Stream(ctx, question, chatID)
	}(context.WithoutCancel(ctx))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var streamErr error
	for finished := false; !finished; {
		if err := r.emit(ctx, chatID, liveAnswerFragment, patch); err != nil {
			return r.stop(log, err)
		}

		select {
		case streamErr = <-done:
			finished = true
		case <-ticker.C:
		case <-ctx.Done():
			return r.stop(log, fmt.Errorf("%w: %v", ErrClientGone, ctx.Err()))
		}
	}

	if streamErr != nil {
		if errors.Is(streamErr, store.ErrChatNotFound) {
			log.Error("Conversation store inconsistency, aborting relay", zap.Error(streamErr))
			r.metrics.relayDone("aborted")
			return streamErr
		}
		// The user is not told about upstream failures; the final patch shows
		// whatever history exists.
		log.Warn("Upstream produced no answer", zap.Error(streamErr))
		r.metrics.upstreamFailure(failureReason(streamErr))
	}

	if err := r.emit(ctx, chatID, finalAnswerFragment, patch); err != nil {
		return r.stop(log, err)
	}
	r.metrics.relayDone("completed")
	return nil
}

// Wait blocks until every upstream stream started by Answer has finished, or
// ctx is done. The store must stay open until Wait returns nil.
func (r *Relay) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.streams.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upstream streams still running: %w", ctx.Err())
	}
}

// emit reads the current history and patches the rendered answer.
func (r *Relay) emit(ctx context.Context, chatID string, render func(string) string, patch PatchFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}

	history, err := r.conv.GetMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if err := patch(render(joinAnswers(history))); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

func (r *Relay) stop(log *zap.Logger, err error) error {
	if errors.Is(err, ErrClientGone) {
		log.Debug("Client left during relay, upstream stream continues", zap.Error(err))
		r.metrics.relayDone("disconnected")
	} else {
		log.Error("Relay failed", zap.Error(err))
		r.metrics.relayDone("error")
	}
	return err
}

func failureReason(err error) string {
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return "status"
	}
	return "transport"
}
