package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// SyncState
// ============================================================================

// SyncState is the per-user sync cursor: which channels the user actively
// watches and when the cache last caught up with the server. One exists per
// logged-in user; it is created on login, updated after every successful
// delta sync, and cleared on logout.
type SyncState struct {
	UserID           string
	ActiveChannelIDs []string
	LastSyncedAt     time.Time
	MarkedAllReadAt  time.Time
}

// DeltaWindow returns the window a reconnect delta sync should request:
// events since LastSyncedAt, scoped to the active channels.
func (s *SyncState) DeltaWindow() (since time.Time, cids []string) {
	return s.LastSyncedAt, s.ActiveChannelIDs
}

// ============================================================================
// TokenStore
// ============================================================================

// TokenProvider loads the auth token. It may block on I/O.
type TokenProvider func(ctx context.Context) (string, error)

// CachedToken is a loaded token with its load instant. Owned exclusively by
// the TokenStore; callers get copies.
type CachedToken struct {
	Token    string
	LoadedAt time.Time
}

// TokenStore caches the auth token with explicit invalidation. The first
// access loads synchronously through the provider; subsequent accesses
// return the cached value. ExpireToken invalidates the cache so the next
// access reloads — pure cache invalidation, no time-based TTL. Concurrent
// first loads are collapsed into one provider call.
type TokenStore struct {
	provider TokenProvider
	group    singleflight.Group

	mu     sync.Mutex
	cached *CachedToken
}

// NewTokenStore creates a token store around the given provider.
func NewTokenStore(provider TokenProvider) *TokenStore {
	return &TokenStore{provider: provider}
}

// Token returns the cached token, loading it on first access.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cached != nil {
		token := s.cached.Token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("token", func() (any, error) {
		s.mu.Lock()
		if s.cached != nil {
			token := s.cached.Token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()

		token, err := s.provider(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.cached = &CachedToken{Token: token, LoadedAt: time.Now()}
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cached returns a copy of the current cache entry, or nil if not loaded.
func (s *TokenStore) Cached() *CachedToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return nil
	}
	cp := *s.cached
	return &cp
}

// ExpireToken invalidates the cached token so the next access reloads.
func (s *TokenStore) ExpireToken() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
