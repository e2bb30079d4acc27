package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/pastexam/internal/storage"
)

// Key is the well-known slot holding the bearer token in both scopes.
const Key = "auth-token"

// Store keeps the bearer token in a session-scoped store mirrored to a long-lived one.
type Store struct {
	session storage.Store
	local   storage.Store
}

func NewStore(session, local storage.Store) *Store {
	return &Store{session: session, local: local}
}

// Token returns the session token, falling back to the long-lived one.
func (s *Store) Token(ctx context.Context) (string, error) {
	if v, ok, err := s.session.Get(ctx, Key); err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	} else if ok && strings.TrimSpace(v) != "" {
		return v, nil
	}
	v, ok, err := s.local.Get(ctx, Key)
	if err != nil {
		return "", fmt.Errorf("read stored token: %w", err)
	}
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(v), nil
}

// Set stores token for this session and, when remember is set, across restarts.
func (s *Store) Set(ctx context.Context, token string, remember bool) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if err := s.session.Set(ctx, Key, token); err != nil {
		return fmt.Errorf("write session token: %w", err)
	}
	if !remember {
		return s.local.Remove(ctx, Key)
	}
	if err := s.local.Set(ctx, Key, token); err != nil {
		return fmt.Errorf("write stored token: %w", err)
	}
	return nil
}

// Clear removes the token from both scopes. Both removals are attempted.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(s.session.Remove(ctx, Key), s.local.Remove(ctx, Key))
}
