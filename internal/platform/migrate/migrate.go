// Package migrate runs the embedded goose migrations of a storage backend.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/phrazzld/tasktree/internal/redact"
)

// Commands accepted by Run.
const (
	CommandUp      = "up"
	CommandDown    = "down"
	CommandStatus  = "status"
	CommandVersion = "version"
)

// Commands lists the commands accepted by Run.
func Commands() []string {
	return []string{CommandUp, CommandDown, CommandStatus, CommandVersion}
}

// slogGooseLogger adapts the goose logger interface to slog.
type slogGooseLogger struct {
	logger *slog.Logger
}

// Printf forwards goose progress messages at debug level.
func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf forwards goose errors. It does not exit; errors are returned to the caller.
func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// NewProvider builds a goose provider over migrations stored at the root of fsys.
// Goose's own progress output is routed to logger at debug level.
func NewProvider(dialect goose.Dialect, db *sql.DB, fsys fs.FS, logger *slog.Logger) (*goose.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := goose.NewProvider(dialect, db, fsys,
		goose.WithLogger(&slogGooseLogger{logger: logger.With(slog.String("component", "goose"))}),
		goose.WithVerbose(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return p, nil
}

// Run executes command against p, logging each applied or pending migration.
func Run(ctx context.Context, p *goose.Provider, command string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "migrations"), slog.String("command", command))
	start := time.Now()

	switch command {
	case CommandUp:
		results, err := p.Up(ctx)
		for _, r := range results {
			logResult(log, r)
		}
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		log.Info("migrations applied",
			slog.Int("count", len(results)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	case CommandDown:
		result, err := p.Down(ctx)
		if result != nil {
			logResult(log, result)
		}
		if err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
	case CommandStatus:
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		for _, s := range statuses {
			attrs := []any{
				slog.Int64("version", s.Source.Version),
				slog.String("path", s.Source.Path),
				slog.String("state", string(s.State)),
			}
			if !s.AppliedAt.IsZero() {
				attrs = append(attrs, slog.Time("applied_at", s.AppliedAt))
			}
			log.Info("migration status", attrs...)
		}
	case CommandVersion:
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to read database version: %w", err)
		}
		log.Info("database version", slog.Int64("version", version))
	default:
		return fmt.Errorf("unknown migration command: %s (expected one of %v)", command, Commands())
	}
	return nil
}

func logResult(log *slog.Logger, r *goose.MigrationResult) {
	attrs := []any{
		slog.Int64("version", r.Source.Version),
		slog.String("path", r.Source.Path),
		slog.String("direction", r.Direction),
		slog.Int64("duration_ms", r.Duration.Milliseconds()),
	}
	if r.Error != nil {
		log.Error("migration failed", append(attrs, slog.String("error", redact.Error(r.Error)))...)
		return
	}
	log.Info("migration applied", attrs...)
}
