package storage

import (
	"context"
	"strings"
)

// NewStore creates the long-lived store: postgres when configured, then a JSON
// file under dir, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, dir string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(dir) != "" {
		return NewFileStore(dir)
	}
	return NewMemoryStore(), nil
}
