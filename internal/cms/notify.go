package cms

import (
	"context"

	"go.uber.org/zap"

	"gitcms/internal/logging"
)

const (
	KindSuccess = "success"
	KindDanger  = "danger"
)

type Notification struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Err     error  `json:"-"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *logging.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	log := l.Logger.WithRequestID(ctx)
	if n.Kind == KindDanger {
		log.Error(n.Message, zap.String("kind", n.Kind), zap.Error(n.Err))
		return
	}
	log.Info(n.Message, zap.String("kind", n.Kind))
}
