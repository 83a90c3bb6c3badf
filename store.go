package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Store interfaces
// ============================================================================
//
// Per-entity CRUD collaborators. The repository facade composes these; any
// persistence engine can stand behind them. Implementations may be backed by
// synchronous or asynchronous storage — every method takes a context.

type UserStore interface {
	InsertUsers(ctx context.Context, users []*User) error
	SelectUser(ctx context.Context, id string) (*User, error)
	ClearUsers(ctx context.Context) error
}

type ChannelStore interface {
	InsertChannels(ctx context.Context, channels []*Channel) error
	SelectChannel(ctx context.Context, cid string) (*Channel, error)
	SelectChannels(ctx context.Context, cids []string) ([]*Channel, error)
	SelectChannelsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Channel, error)
	SetChannelHidden(ctx context.Context, cid string, hidden bool, status SyncStatus) error
	ClearChannels(ctx context.Context) error
}

type MessageStore interface {
	InsertMessages(ctx context.Context, msgs []*Message) error
	SelectMessage(ctx context.Context, id string) (*Message, error)
	SelectMessagesForChannel(ctx context.Context, cid string, window PaginationWindow) ([]*Message, error)
	SelectRepliesForMessage(ctx context.Context, parentID string) ([]*Message, error)
	SelectMessagesBySyncStatus(ctx context.Context, status SyncStatus) ([]*Message, error)
	DeleteMessagesForChannel(ctx context.Context, cid string) error
	ClearMessages(ctx context.Context) error
}

type ReactionStore interface {
	InsertReaction(ctx context.Context, r *Reaction) error
	SelectUserReactionToMessage(ctx context.Context, reactionType, messageID, userID string) (*Reaction, error)
	SelectUserReactionsToMessage(ctx context.Context, messageID, userID string) ([]*Reaction, error)
	SelectReactionsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Reaction, error)
	ClearReactions(ctx context.Context) error
}

type ConfigStore interface {
	InsertConfigs(ctx context.Context, configs []*ChannelConfig) error
	SelectConfig(ctx context.Context, channelType string) (*ChannelConfig, error)
	ClearConfigs(ctx context.Context) error
}

type QueryStore interface {
	InsertQuery(ctx context.Context, q *QuerySpec) error
	SelectQuery(ctx context.Context, id string) (*QuerySpec, error)
	ClearQueries(ctx context.Context) error
}

type SyncStateStore interface {
	SelectSyncState(ctx context.Context, userID string) (*SyncState, error)
	UpsertSyncState(ctx context.Context, state *SyncState) error
	ClearSyncState(ctx context.Context) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// reactionKey identifies one (message, user, type) reaction row.
type reactionKey struct {
	messageID string
	userID    string
	typ       string
}

// MemoryStore is a goroutine-safe in-memory implementation of every store
// interface. It is the default cache backend; select methods return copies
// so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	channels   map[string]*Channel
	messages   map[string]*Message
	reactions  map[reactionKey]*Reaction
	configs    map[string]*ChannelConfig
	queries    map[string]*QuerySpec
	syncStates map[string]*SyncState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.users = make(map[string]*User)
	s.channels = make(map[string]*Channel)
	s.messages = make(map[string]*Message)
	s.reactions = make(map[reactionKey]*Reaction)
	s.configs = make(map[string]*ChannelConfig)
	s.queries = make(map[string]*QuerySpec)
	s.syncStates = make(map[string]*SyncState)
}

// ── Users ────────────────────────────────────────────────

func (s *MemoryStore) InsertUsers(ctx context.Context, users []*User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if u == nil || u.ID == "" {
			continue
		}
		cp := *u
		s.users[u.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) SelectUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ClearUsers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*User)
	return nil
}

// ── Channels ─────────────────────────────────────────────

// copyChannel copies a channel row including its nested slices, so neither
// side of a store boundary can mutate the other's members, reads or messages.
func copyChannel(ch *Channel) *Channel {
	cp := *ch
	cp.Members = append([]*Member(nil), ch.Members...)
	cp.Reads = append([]*ChannelRead(nil), ch.Reads...)
	if len(ch.Messages) > 0 {
		cp.Messages = make([]*Message, len(ch.Messages))
		for i, m := range ch.Messages {
			mc := *m
			mc.Reactions = append([]*Reaction(nil), m.Reactions...)
			cp.Messages[i] = &mc
		}
	}
	return &cp
}

func (s *MemoryStore) InsertChannels(ctx context.Context, channels []*Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if ch == nil || ch.ID == "" {
			continue
		}
		s.channels[ch.CID()] = copyChannel(ch)
	}
	return nil
}

func (s *MemoryStore) SelectChannel(ctx context.Context, cid string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[cid]
	if !ok {
		return nil, nil
	}
	return copyChannel(ch), nil
}

func (s *MemoryStore) SelectChannels(ctx context.Context, cids []string) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Channel
	for _, cid := range cids {
		if ch, ok := s.channels[cid]; ok {
			out = append(out, copyChannel(ch))
		}
	}
	return out, nil
}

func (s *MemoryStore) SelectChannelsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Channel
	for _, ch := range s.channels {
		if ch.SyncStatus == status {
			out = append(out, copyChannel(ch))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID() < out[j].CID() })
	return out, nil
}

func (s *MemoryStore) SetChannelHidden(ctx context.Context, cid string, hidden bool, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[cid]
	if !ok {
		return NewNotFoundError("channel " + cid + " not in cache")
	}
	ch.Hidden = hidden
	ch.SyncStatus = status
	return nil
}

func (s *MemoryStore) ClearChannels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]*Channel)
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) InsertMessages(ctx context.Context, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		cp := *m
		cp.Reactions = append([]*Reaction(nil), m.Reactions...)
		s.messages[m.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) SelectMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.Reactions = append([]*Reaction(nil), m.Reactions...)
	return &cp, nil
}

func (s *MemoryStore) SelectMessagesForChannel(ctx context.Context, cid string, window PaginationWindow) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.CID != cid || m.ParentID != "" {
			continue
		}
		if !window.CreatedBefore.IsZero() && m.CreatedAt.After(window.CreatedBefore) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if window.MessageLimit > 0 && len(out) > window.MessageLimit {
		out = out[len(out)-window.MessageLimit:]
	}
	return out, nil
}

func (s *MemoryStore) SelectRepliesForMessage(ctx context.Context, parentID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.ParentID == parentID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SelectMessagesBySyncStatus(ctx context.Context, status SyncStatus) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.SyncStatus == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteMessagesForChannel(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if m.CID == cid {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStore) ClearMessages(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*Message)
	return nil
}

// ── Reactions ────────────────────────────────────────────

func (s *MemoryStore) InsertReaction(ctx context.Context, r *Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reactions[reactionKey{r.MessageID, r.UserID, r.Type}] = &cp
	return nil
}

func (s *MemoryStore) SelectUserReactionToMessage(ctx context.Context, reactionType, messageID, userID string) (*Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reactions[reactionKey{messageID, userID, reactionType}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SelectUserReactionsToMessage(ctx context.Context, messageID, userID string) ([]*Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Reaction
	for k, r := range s.reactions {
		if k.messageID == messageID && k.userID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *MemoryStore) SelectReactionsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Reaction
	for _, r := range s.reactions {
		if r.SyncStatus == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClearReactions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = make(map[reactionKey]*Reaction)
	return nil
}

// ── Channel configs ──────────────────────────────────────

func (s *MemoryStore) InsertConfigs(ctx context.Context, configs []*ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range configs {
		if c == nil || c.ChannelType == "" {
			continue
		}
		cp := *c
		s.configs[c.ChannelType] = &cp
	}
	return nil
}

func (s *MemoryStore) SelectConfig(ctx context.Context, channelType string) (*ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[channelType]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ClearConfigs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = make(map[string]*ChannelConfig)
	return nil
}

// ── Query specs ──────────────────────────────────────────

func (s *MemoryStore) InsertQuery(ctx context.Context, q *QuerySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	cp.CIDs = append([]string(nil), q.CIDs...)
	s.queries[q.ID] = &cp
	return nil
}

func (s *MemoryStore) SelectQuery(ctx context.Context, id string) (*QuerySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return nil, nil
	}
	cp := *q
	cp.CIDs = append([]string(nil), q.CIDs...)
	return &cp, nil
}

func (s *MemoryStore) ClearQueries(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = make(map[string]*QuerySpec)
	return nil
}

// ── Sync state ───────────────────────────────────────────

func (s *MemoryStore) SelectSyncState(ctx context.Context, userID string) (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.syncStates[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	cp.ActiveChannelIDs = append([]string(nil), st.ActiveChannelIDs...)
	return &cp, nil
}

func (s *MemoryStore) UpsertSyncState(ctx context.Context, state *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.ActiveChannelIDs = append([]string(nil), state.ActiveChannelIDs...)
	s.syncStates[state.UserID] = &cp
	return nil
}

func (s *MemoryStore) ClearSyncState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStates = make(map[string]*SyncState)
	return nil
}

// Clear empties every sub-store. Safe to call repeatedly.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// timePtr is a test/listener helper for tombstone timestamps.
func timePtr(t time.Time) *time.Time { return &t }
