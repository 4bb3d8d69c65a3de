package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1363V4/datastar-job/internal/store"
)

const testPollInterval = 5 * time.Millisecond

// scriptedUpstream follows the Upstream contract with canned deltas.
type scriptedUpstream struct {
	conv    *store.ConversationStore
	deltas  []string
	delay   time.Duration
	release chan struct{} // when set, Stream waits on it before the deltas
	err     error         // returned instead of streaming
}

func (u *scriptedUpstream) Stream(ctx context.Context, question, chatID string) error {
	if _, err := u.conv.AppendMessage(ctx, chatID, store.RoleUser, question); err != nil {
		return err
	}
	if u.err != nil {
		return u.err
	}
	if _, err := u.conv.AppendMessage(ctx, chatID, store.RoleAssistant, ""); err != nil {
		return err
	}
	if u.release != nil {
		<-u.release
	}
	for _, d := range u.deltas {
		time.Sleep(u.delay)
		if err := appendDelta(ctx, u.conv, chatID, d); err != nil {
			return err
		}
	}
	return nil
}

type patchRecorder struct {
	patches []string
}

func (p *patchRecorder) patch(elements string) error {
	p.patches = append(p.patches, elements)
	return nil
}

func (p *patchRecorder) last() string {
	if len(p.patches) == 0 {
		return ""
	}
	return p.patches[len(p.patches)-1]
}

func TestRelay_MissingFieldsEmitNothing(t *testing.T) {
	tests := []struct {
		name     string
		question string
		chatID   string
	}{
		{"no question", "", "c1"},
		{"no chat id", "hi", ""},
		{"neither", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := newTestConv(t)
			relay := NewRelay(conv, &scriptedUpstream{conv: conv}, testPreprompt, nil)
			rec := &patchRecorder{}

			require.NoError(t, relay.Answer(context.Background(), tt.question, tt.chatID, rec.patch))
			assert.Empty(t, rec.patches)

			msgs, err := conv.GetMessages(context.Background(), "c1")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestRelay_EnsurePrepromptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conv := newTestConv(t)
	relay := NewRelay(conv, nil, testPreprompt, nil)

	require.NoError(t, relay.EnsurePreprompt(ctx, "c1"))
	require.NoError(t, relay.EnsurePreprompt(ctx, "c1"))

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []store.Message{{Role: store.RoleSystem, Content: testPreprompt}}, msgs)
}

func TestRelay_PrepromptNotAddedToExistingChat(t *testing.T) {
	ctx := context.Background()
	conv := newTestConv(t)
	_, err := conv.AppendMessage(ctx, "c1", store.RoleUser, "earlier")
	require.NoError(t, err)

	relay := NewRelay(conv, nil, testPreprompt, nil)
	require.NoError(t, relay.EnsurePreprompt(ctx, "c1"))

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []store.Message{{Role: store.RoleUser, Content: "earlier"}}, msgs)
}

func TestRelay_EndToEndWithCompletionClient(t *testing.T) {
	server := streamServer(t, deltaLine("Hel"), deltaLine("lo"), deltaLine(" World"), "data: [DONE]")

	ctx := context.Background()
	conv := newTestConv(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	client := NewCompletionClient(testParams(server.URL), conv, metrics)
	relay := NewRelay(conv, client, testPreprompt, metrics).WithPollInterval(testPollInterval)
	rec := &patchRecorder{}

	require.NoError(t, relay.Answer(ctx, "hi", "c1", rec.patch))

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []store.Message{
		{Role: store.RoleSystem, Content: testPreprompt},
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "Hello World"},
	}, msgs)

	require.GreaterOrEqual(t, len(rec.patches), 2)
	for _, p := range rec.patches[:len(rec.patches)-1] {
		assert.True(t, strings.HasPrefix(p, "<div id='answer'>"), "live patch %q", p)
		assert.NotContains(t, p, "data-bind-question")
	}
	final := rec.last()
	assert.Contains(t, final, "Hello World")
	assert.Contains(t, final, "data-bind-question")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Relays.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRelays))
}

func TestRelay_PollsWhileStreaming(t *testing.T) {
	conv := newTestConv(t)
	upstream := &scriptedUpstream{conv: conv, deltas: []string{"a", "b", "c", "d"}, delay: 4 * testPollInterval}
	relay := NewRelay(conv, upstream, testPreprompt, nil).WithPollInterval(testPollInterval)
	rec := &patchRecorder{}

	require.NoError(t, relay.Answer(context.Background(), "q", "c1", rec.patch))

	assert.Greater(t, len(rec.patches), len(upstream.deltas))
	assert.Equal(t, "<div id='answer'></div>", rec.patches[0])
	assert.Contains(t, rec.last(), "abcd")
}

func TestRelay_JoinsPreviousAnswers(t *testing.T) {
	ctx := context.Background()
	conv := newTestConv(t)
	relay := NewRelay(conv, &scriptedUpstream{conv: conv, deltas: []string{"first"}}, testPreprompt, nil).
		WithPollInterval(testPollInterval)

	require.NoError(t, relay.Answer(ctx, "q1", "c1", (&patchRecorder{}).patch))

	relay.upstream = &scriptedUpstream{conv: conv, deltas: []string{"second"}}
	rec := &patchRecorder{}
	require.NoError(t, relay.Answer(ctx, "q2", "c1", rec.patch))

	assert.Contains(t, rec.last(), "first second")

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, store.RoleSystem, msgs[0].Role)
}

func TestRelay_UpstreamFailureStillEmitsFinalPatch(t *testing.T) {
	ctx := context.Background()
	conv := newTestConv(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	upstream := &scriptedUpstream{conv: conv, err: &UpstreamStatusError{StatusCode: 500}}
	relay := NewRelay(conv, upstream, testPreprompt, metrics).WithPollInterval(testPollInterval)
	rec := &patchRecorder{}

	require.NoError(t, relay.Answer(ctx, "hi", "c1", rec.patch))

	assert.Contains(t, rec.last(), "data-bind-question")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UpstreamFailures.WithLabelValues("status")))

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []store.Message{
		{Role: store.RoleSystem, Content: testPreprompt},
		{Role: store.RoleUser, Content: "hi"},
	}, msgs)
}

func TestRelay_StoreInconsistencyAborts(t *testing.T) {
	conv := newTestConv(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	upstream := &scriptedUpstream{conv: conv, err: fmt.Errorf("replace: %w", store.ErrChatNotFound)}
	relay := NewRelay(conv, upstream, testPreprompt, metrics).WithPollInterval(testPollInterval)
	rec := &patchRecorder{}

	err := relay.Answer(context.Background(), "hi", "c1", rec.patch)
	require.ErrorIs(t, err, store.ErrChatNotFound)

	for _, p := range rec.patches {
		assert.NotContains(t, p, "data-bind-question")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Relays.WithLabelValues("aborted")))
}

func TestRelay_ClientGoneLeavesStreamRunning(t *testing.T) {
	ctx := context.Background()
	conv := newTestConv(t)
	release := make(chan struct{})
	upstream := &scriptedUpstream{conv: conv, deltas: []string{"late"}, release: release}
	relay := NewRelay(conv, upstream, testPreprompt, nil).WithPollInterval(testPollInterval)

	calls := 0
	failing := func(string) error {
		calls++
		if calls > 1 {
			return errors.New("broken pipe")
		}
		return nil
	}

	err := relay.Answer(ctx, "hi", "c1", failing)
	require.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, 2, calls)

	close(release)
	require.Eventually(t, func() bool {
		msgs, err := conv.GetMessages(ctx, "c1")
		return err == nil && len(msgs) == 3 && msgs[2].Content == "late"
	}, 2*time.Second, testPollInterval)
}

func TestRelay_RequestCancelDoesNotCancelStream(t *testing.T) {
	conv := newTestConv(t)
	release := make(chan struct{})
	upstream := &scriptedUpstream{conv: conv, deltas: []string{"done"}, release: release}
	relay := NewRelay(conv, upstream, testPreprompt, nil).WithPollInterval(testPollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &patchRecorder{}
	go func() {
		time.Sleep(3 * testPollInterval)
		cancel()
	}()

	err := relay.Answer(ctx, "hi", "c1", rec.patch)
	require.ErrorIs(t, err, ErrClientGone)
	assert.NotEmpty(t, rec.patches)

	close(release)
	require.Eventually(t, func() bool {
		msgs, err := conv.GetMessages(context.Background(), "c1")
		return err == nil && len(msgs) == 3 && msgs[2].Content == "done"
	}, 2*time.Second, testPollInterval)
}

func TestRelay_WaitHoldsStoreUntilStreamsFinish(t *testing.T) {
	ctx := context.Background()
	coll, err := store.NewPebbleStoreWithOptions("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	conv := store.NewConversationStore(coll)

	release := make(chan struct{})
	upstream := &scriptedUpstream{conv: conv, deltas: []string{"saved"}, release: release, delay: testPollInterval}
	relay := NewRelay(conv, upstream, testPreprompt, nil).WithPollInterval(testPollInterval)

	reqCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, relay.Answer(reqCtx, "hi", "c1", (&patchRecorder{}).patch), ErrClientGone)

	waitCtx, cancelWait := context.WithTimeout(ctx, 3*testPollInterval)
	defer cancelWait()
	require.ErrorIs(t, relay.Wait(waitCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, relay.Wait(ctx))

	msgs, err := conv.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "saved", msgs[2].Content)

	require.NoError(t, coll.Close())
}

func TestRelay_WaitWithoutStreams(t *testing.T) {
	relay := NewRelay(newTestConv(t), nil, testPreprompt, nil)
	assert.NoError(t, relay.Wait(context.Background()))
}
