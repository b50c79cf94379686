package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Open picks a backend from dsn:
//
//	"" or "memory:"          process-local map
//	"sqlite:<path>"          single-file database
//	"postgres://..."         PostgreSQL with LISTEN/NOTIFY
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Backend, error) {
	switch {
	case dsn == "" || dsn == "memory:":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported database url %q", dsn)
	}
}
