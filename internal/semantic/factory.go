package semantic

import (
	"context"
	"fmt"
	"strings"
)

type Options struct {
	Mode         string
	DatabaseURL  string
	SQLitePath   string
	EmbeddingDim int
}

// NewStore opens the backend selected by Options.Mode.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Mode)) {
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.EmbeddingDim)
	case "sqlite":
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case "", "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", opts.Mode)
	}
}
