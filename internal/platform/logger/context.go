package logger

import (
	"context"
	"log/slog"
)

type contextKey struct{}

type treeKey struct{}

// WithLogger returns a copy of ctx carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	return FromContextOrDefault(ctx, slog.Default())
}

// FromContextOrDefault returns the logger stored in ctx, or fallback when ctx
// carries none. A tree ID stored with WithTreeID is attached as root_task_id.
func FromContextOrDefault(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	l := fallback
	if ctx != nil {
		if stored, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && stored != nil {
			l = stored
		}
		if id, ok := ctx.Value(treeKey{}).(string); ok && id != "" {
			l = l.With(slog.String("root_task_id", id))
		}
	}
	if l == nil {
		l = slog.Default()
	}
	return l
}

// WithTreeID tags ctx with the root task ID of the tree being worked on.
func WithTreeID(ctx context.Context, rootTaskID string) context.Context {
	return context.WithValue(ctx, treeKey{}, rootTaskID)
}

// TreeIDFromContext returns the ID stored by WithTreeID.
func TreeIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(treeKey{}).(string)
	return id, ok && id != ""
}
