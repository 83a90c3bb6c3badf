package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Repository Facade
// ============================================================================

// Stores bundles the per-entity storage collaborators behind the facade.
type Stores struct {
	Users      UserStore
	Channels   ChannelStore
	Messages   MessageStore
	Reactions  ReactionStore
	Configs    ConfigStore
	Queries    QueryStore
	SyncStates SyncStateStore
}

// MemoryStores returns a Stores bundle backed by one shared MemoryStore.
func MemoryStores(s *MemoryStore) Stores {
	return Stores{
		Users:      s,
		Channels:   s,
		Messages:   s,
		Reactions:  s,
		Configs:    s,
		Queries:    s,
		SyncStates: s,
	}
}

// Repository unifies the per-entity stores behind consistent read, write and
// enrich operations. It is the sole writer of entity caches: mutation
// listeners only call through it and never hold private copies beyond one
// operation.
//
// Repository operations are not internally locked; callers must serialize
// writes that target the same entity id. Storage errors propagate — retries
// belong to the mutation listeners and the external sync pass.
type Repository struct {
	stores        Stores
	defaultConfig ChannelConfig
	logger        *slog.Logger
}

// NewRepository creates a repository over the given stores. defaultConfig is
// the fallback used to enrich channels whose type has no cached config.
func NewRepository(stores Stores, defaultConfig ChannelConfig, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		stores:        stores,
		defaultConfig: defaultConfig,
		logger:        logger,
	}
}

// ── Channels ─────────────────────────────────────────────

// SelectChannels fetches the channel rows for the given cids. For every cid
// whose window requests more than the single last message it fetches the
// matching message window concurrently, merges fetched older messages with
// any already-embedded newer ones (de-duplicated by message id), and
// enriches each channel with its cached config, falling back to the
// repository default.
func (r *Repository) SelectChannels(ctx context.Context, cids []string, window PaginationWindow) ([]*Channel, error) {
	channels, err := r.stores.Channels.SelectChannels(ctx, cids)
	if err != nil {
		return nil, err
	}

	if window.MessageLimit > 1 {
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		windows := make(map[string][]*Message, len(channels))
		for _, ch := range channels {
			cid := ch.CID()
			g.Go(func() error {
				msgs, err := r.stores.Messages.SelectMessagesForChannel(gctx, cid, window)
				if err != nil {
					return err
				}
				mu.Lock()
				windows[cid] = msgs
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, ch := range channels {
			ch.Messages = mergeMessages(windows[ch.CID()], ch.Messages)
		}
	}

	for _, ch := range channels {
		if err := r.enrichConfig(ctx, ch); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

// SelectChannel fetches one enriched channel, or nil if not cached.
func (r *Repository) SelectChannel(ctx context.Context, cid string) (*Channel, error) {
	ch, err := r.stores.Channels.SelectChannel(ctx, cid)
	if err != nil || ch == nil {
		return ch, err
	}
	if err := r.enrichConfig(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *Repository) enrichConfig(ctx context.Context, ch *Channel) error {
	cfg, err := r.stores.Configs.SelectConfig(ctx, ch.Type)
	if err != nil {
		return err
	}
	if cfg == nil {
		fallback := r.defaultConfig
		fallback.ChannelType = ch.Type
		cfg = &fallback
	}
	ch.Config = cfg
	return nil
}

// mergeMessages combines a fetched message window with messages already
// embedded in the channel row, de-duplicating by id and keeping ascending
// CreatedAt order.
func mergeMessages(fetched, embedded []*Message) []*Message {
	seen := make(map[string]bool, len(fetched)+len(embedded))
	var out []*Message
	for _, m := range fetched {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, m := range embedded {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// InsertChannels cascades: all users referenced anywhere in each channel are
// inserted before the channel row itself, so later lookups never miss a
// referenced user.
func (r *Repository) InsertChannels(ctx context.Context, channels ...*Channel) error {
	var users []*User
	for _, ch := range channels {
		users = append(users, UsersInChannel(ch)...)
	}
	if err := r.stores.Users.InsertUsers(ctx, users); err != nil {
		return err
	}
	return r.stores.Channels.InsertChannels(ctx, channels)
}

// SetChannelHidden flips the hidden flag on a cached channel and records how
// far the mutation has progressed toward server confirmation.
func (r *Repository) SetChannelHidden(ctx context.Context, cid string, hidden bool, status SyncStatus) error {
	return r.stores.Channels.SetChannelHidden(ctx, cid, hidden, status)
}

// SelectChannelsBySyncStatus lists cached channels in a given sync state;
// the external sync pass uses it to find pending hides to resend.
func (r *Repository) SelectChannelsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Channel, error) {
	return r.stores.Channels.SelectChannelsBySyncStatus(ctx, status)
}

// DeleteMessagesForChannel drops every cached message of a channel. Used by
// hide-with-clear-history.
func (r *Repository) DeleteMessagesForChannel(ctx context.Context, cid string) error {
	return r.stores.Messages.DeleteMessagesForChannel(ctx, cid)
}

// ── Messages ─────────────────────────────────────────────

// InsertMessages cascades users first, then the messages.
func (r *Repository) InsertMessages(ctx context.Context, msgs ...*Message) error {
	var users []*User
	for _, m := range msgs {
		users = append(users, UsersInMessage(m)...)
	}
	if err := r.stores.Users.InsertUsers(ctx, users); err != nil {
		return err
	}
	return r.stores.Messages.InsertMessages(ctx, msgs)
}

// SelectMessage returns one cached message, or nil if absent.
func (r *Repository) SelectMessage(ctx context.Context, id string) (*Message, error) {
	return r.stores.Messages.SelectMessage(ctx, id)
}

// SelectRepliesForMessage returns the cached thread replies of a message.
func (r *Repository) SelectRepliesForMessage(ctx context.Context, parentID string) ([]*Message, error) {
	return r.stores.Messages.SelectRepliesForMessage(ctx, parentID)
}

// SelectMessagesBySyncStatus lists cached messages in a given sync state;
// the external sync pass uses it to find SyncNeeded entities to retry.
func (r *Repository) SelectMessagesBySyncStatus(ctx context.Context, status SyncStatus) ([]*Message, error) {
	return r.stores.Messages.SelectMessagesBySyncStatus(ctx, status)
}

// ── Reactions ────────────────────────────────────────────

// InsertReaction stores a reaction and appends it to the cached message's
// active reaction list. Reactions enrich an already-known message, never a
// forward reference: a reaction with an empty message id, a nil user, or a
// target message missing from cache is rejected as a logged no-op.
func (r *Repository) InsertReaction(ctx context.Context, reaction *Reaction) error {
	if reaction == nil || reaction.MessageID == "" {
		r.logger.Warn("ignoring reaction with empty message id")
		return nil
	}
	if reaction.User == nil {
		r.logger.Warn("ignoring reaction with no user", "message_id", reaction.MessageID)
		return nil
	}
	msg, err := r.stores.Messages.SelectMessage(ctx, reaction.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		r.logger.Warn("ignoring reaction to unknown message", "message_id", reaction.MessageID)
		return nil
	}
	if err := r.stores.Users.InsertUsers(ctx, []*User{reaction.User}); err != nil {
		return err
	}
	if err := r.stores.Reactions.InsertReaction(ctx, reaction); err != nil {
		return err
	}
	if !reaction.Deleted() {
		replaced := false
		for i, existing := range msg.Reactions {
			if existing.UserID == reaction.UserID && existing.Type == reaction.Type {
				msg.Reactions[i] = reaction
				replaced = true
				break
			}
		}
		if !replaced {
			msg.Reactions = append(msg.Reactions, reaction)
		}
		if err := r.stores.Messages.InsertMessages(ctx, []*Message{msg}); err != nil {
			return err
		}
	}
	return nil
}

// TombstoneReactions marks reactions by userID on messageID as deleted at
// the given instant and removes them from the message's active list. An
// empty reactionType tombstones every reaction by the user on the message
// (the enforce-uniqueness path); a non-empty one tombstones only that type.
// Tombstoned rows stay in the reaction store so sync reconciliation can see
// the prior state. Returns the tombstoned rows.
func (r *Repository) TombstoneReactions(ctx context.Context, messageID, userID, reactionType string, deletedAt time.Time, status SyncStatus) ([]*Reaction, error) {
	rows, err := r.stores.Reactions.SelectUserReactionsToMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	var tombstoned []*Reaction
	for _, row := range rows {
		if row.Deleted() {
			continue
		}
		if reactionType != "" && row.Type != reactionType {
			continue
		}
		row.DeletedAt = timePtr(deletedAt)
		row.SyncStatus = status
		if err := r.stores.Reactions.InsertReaction(ctx, row); err != nil {
			return nil, err
		}
		tombstoned = append(tombstoned, row)
	}
	if len(tombstoned) == 0 {
		return nil, nil
	}

	msg, err := r.stores.Messages.SelectMessage(ctx, messageID)
	if err != nil || msg == nil {
		return tombstoned, err
	}
	var active []*Reaction
	for _, existing := range msg.Reactions {
		if existing.UserID == userID && (reactionType == "" || existing.Type == reactionType) {
			continue
		}
		active = append(active, existing)
	}
	msg.Reactions = active
	return tombstoned, r.stores.Messages.InsertMessages(ctx, []*Message{msg})
}

// SelectUserReactionToMessage returns the cached reaction row of the given
// type by userID on messageID, tombstoned or not; nil if absent.
func (r *Repository) SelectUserReactionToMessage(ctx context.Context, reactionType, messageID, userID string) (*Reaction, error) {
	return r.stores.Reactions.SelectUserReactionToMessage(ctx, reactionType, messageID, userID)
}

// SelectReactionsBySyncStatus lists cached reactions in a given sync state.
func (r *Repository) SelectReactionsBySyncStatus(ctx context.Context, status SyncStatus) ([]*Reaction, error) {
	return r.stores.Reactions.SelectReactionsBySyncStatus(ctx, status)
}

// ── Query specs ──────────────────────────────────────────

// InsertQuery caches a query spec.
func (r *Repository) InsertQuery(ctx context.Context, q *QuerySpec) error {
	return r.stores.Queries.InsertQuery(ctx, q)
}

// SelectQuery returns a cached query spec, or nil.
func (r *Repository) SelectQuery(ctx context.Context, id string) (*QuerySpec, error) {
	return r.stores.Queries.SelectQuery(ctx, id)
}

// ── Bulk state ───────────────────────────────────────────

// StoreStateForChannels writes channel configs, channel rows and all
// contained messages (tagged with their parent cid) as one logical cache
// update. It is how query results and delta-sync state land in the cache.
func (r *Repository) StoreStateForChannels(ctx context.Context, channels []*Channel) error {
	var configs []*ChannelConfig
	var msgs []*Message
	for _, ch := range channels {
		if ch.Config != nil {
			configs = append(configs, ch.Config)
		}
		cid := ch.CID()
		for _, m := range ch.Messages {
			m.CID = cid
			msgs = append(msgs, m)
		}
	}
	if err := r.stores.Configs.InsertConfigs(ctx, configs); err != nil {
		return err
	}
	if err := r.InsertChannels(ctx, channels...); err != nil {
		return err
	}
	return r.InsertMessages(ctx, msgs...)
}

// Clear empties every sub-store. Used only on logout; idempotent.
func (r *Repository) Clear(ctx context.Context) error {
	if err := r.stores.Users.ClearUsers(ctx); err != nil {
		return err
	}
	if err := r.stores.Channels.ClearChannels(ctx); err != nil {
		return err
	}
	if err := r.stores.Messages.ClearMessages(ctx); err != nil {
		return err
	}
	if err := r.stores.Reactions.ClearReactions(ctx); err != nil {
		return err
	}
	if err := r.stores.Configs.ClearConfigs(ctx); err != nil {
		return err
	}
	return r.stores.Queries.ClearQueries(ctx)
}
