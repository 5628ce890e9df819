package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var requestIDKey ctxKey

type Logger struct {
	*zap.Logger
}

// NewLogger builds a production (JSON) logger at the given level.
func NewLogger(level string) (*Logger, error) {
	return build(zap.NewProductionConfig(), level)
}

// NewDevelopment builds a console logger, used by the CLI.
func NewDevelopment(level string) (*Logger, error) {
	return build(zap.NewDevelopmentConfig(), level)
}

func build(config zap.Config, level string) (*Logger, error) {
	if level == "" {
		level = "info"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

func NewNop() *Logger {
	return &Logger{zap.NewNop()}
}

// Named returns a child logger scoped to a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

func (l *Logger) WithRequestID(ctx context.Context) *zap.Logger {
	if reqID, ok := RequestIDFrom(ctx); ok {
		return l.With(zap.String("request_id", reqID))
	}
	return l.Logger
}
