package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const ChatIDCookie = "chat_id"

type contextKey string

const chatIDKey contextKey = "chatID"

// NewChatID returns a random 32 character hex identifier.
func NewChatID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ChatIDMiddleware issues a chat_id cookie to clients that do not carry one.
// The id is only exposed to handlers when the request itself presented the
// cookie, so a freshly issued id takes effect from the next request on.
func ChatIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(ChatIDCookie)
		if err != nil || cookie.Value == "" {
			http.SetCookie(w, &http.Cookie{
				Name:     ChatIDCookie,
				Value:    NewChatID(),
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), chatIDKey, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ChatIDFromContext returns the chat id presented by the client, or "".
func ChatIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(chatIDKey).(string)
	return id
}
