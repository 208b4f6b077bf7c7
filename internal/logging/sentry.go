package logging

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
)

// SentryLogger forwards error-level entries to Sentry in addition to the
// wrapped logger. Events go to the hub given to WithSentry; the global
// sentry hub is not used.
type SentryLogger struct {
	Logger
	hub  *sentry.Hub
	tags []any
}

// WithSentry decorates l so Error calls are also captured by hub.
func WithSentry(l Logger, hub *sentry.Hub) *SentryLogger {
	return &SentryLogger{Logger: l, hub: hub}
}

func (s *SentryLogger) Error(ctx context.Context, msg string, args ...any) {
	s.Logger.Error(ctx, msg, args...)

	s.hub.WithScope(func(scope *sentry.Scope) {
		kv := append(append([]any{}, s.tags...), args...)
		var captured error
		for i := 0; i+1 < len(kv); i += 2 {
			key := fmt.Sprint(kv[i])
			if err, ok := kv[i+1].(error); ok && captured == nil {
				captured = err
				continue
			}
			scope.SetExtra(key, kv[i+1])
		}
		if captured != nil {
			s.hub.CaptureException(fmt.Errorf("%s: %w", msg, captured))
			return
		}
		s.hub.CaptureException(errors.New(msg))
	})
}

func (s *SentryLogger) With(args ...any) Logger {
	return &SentryLogger{
		Logger: s.Logger.With(args...),
		hub:    s.hub,
		tags:   append(append([]any{}, s.tags...), args...),
	}
}
