package logger

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var chatIDKey ctxKey

var logger = zap.NewNop()

// Init replaces the package logger. DEBUG selects the development encoder,
// any other level the production JSON encoder.
func Init(level string) error {
	var (
		l   *zap.Logger
		err error
	)
	switch strings.ToUpper(level) {
	case "DEBUG":
		l, err = zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
		l, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func L() *zap.Logger {
	return logger
}

func Sync() {
	_ = logger.Sync()
}

// WithChatID stores the chat id on ctx so that WithCtx can tag log lines.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey, chatID)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v, ok := ctx.Value(chatIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("chat_id", v))
	}
	if v := middleware.GetReqID(ctx); v != "" {
		fields = append(fields, zap.String("request_id", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}
