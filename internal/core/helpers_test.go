package core

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/1363V4/datastar-job/internal/config"
	"github.com/1363V4/datastar-job/internal/store"
)

const testPreprompt = "You are a test assistant."

func newTestConv(t *testing.T) *store.ConversationStore {
	t.Helper()
	coll, err := store.NewPebbleStoreWithOptions("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { coll.Close() })
	return store.NewConversationStore(coll)
}

// streamServer answers every request with the given lines as an event stream.
func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func testParams(url string) config.Parameters {
	return config.Parameters{
		Key:         "Bearer test-key",
		URL:         url,
		Model:       "codestral-latest",
		Temperature: 1.5,
		Preprompt:   testPreprompt,
	}
}
