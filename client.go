package chatsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Options
// ============================================================================

// ClientOption configures the Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger          *slog.Logger
	httpClient      *http.Client
	api             API
	stores          *Stores
	collectorLimits CollectorLimits
	transportConfig *TransportConfig
	debounceWindow  time.Duration
	defaultConfig   ChannelConfig
	errorHandlers   []ChannelErrorHandler
}

// WithLogger sets the structured logger used by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithAPI substitutes the network collaborator. Used by tests and embedders
// with their own transport.
func WithAPI(api API) ClientOption {
	return func(o *clientOptions) { o.api = api }
}

// WithStores substitutes the storage backends. Defaults to in-memory stores.
func WithStores(stores Stores) ClientOption {
	return func(o *clientOptions) { o.stores = &stores }
}

// WithCollectorLimits tunes the event batching windows.
func WithCollectorLimits(limits CollectorLimits) ClientOption {
	return func(o *clientOptions) { o.collectorLimits = limits }
}

// WithTransportConfig tunes the realtime reconnect behaviour.
func WithTransportConfig(config TransportConfig) ClientOption {
	return func(o *clientOptions) { o.transportConfig = &config }
}

// WithDebounceWindow tunes the device-token debounce window.
func WithDebounceWindow(window time.Duration) ClientOption {
	return func(o *clientOptions) { o.debounceWindow = window }
}

// WithDefaultChannelConfig sets the fallback config for channels whose type
// has no cached config.
func WithDefaultChannelConfig(config ChannelConfig) ClientOption {
	return func(o *clientOptions) { o.defaultConfig = config }
}

// WithChannelErrorHandlers appends handlers to the channel-creation error
// chain, on top of the built-in offline handler.
func WithChannelErrorHandlers(handlers ...ChannelErrorHandler) ClientOption {
	return func(o *clientOptions) { o.errorHandlers = append(o.errorHandlers, handlers...) }
}

// ============================================================================
// Client
// ============================================================================

const deviceDebounceKey = "device-token"

// Client is the offline-first sync facade: it owns the cache, the event
// collector, the realtime transport and the optimistic mutation listeners,
// and exposes the operations an application calls. All mutating operations
// run the precondition / optimistic-write / reconcile protocol and work
// whether the client is online or offline.
type Client struct {
	api        API
	repo       *Repository
	stores     Stores
	collector  *EventCollector
	transport  *RealtimeTransport
	tokens     *TokenStore
	debouncer  *Debouncer
	errorChain *ChannelErrorChain
	logger     *slog.Logger

	sendReaction   *SendReactionListener
	deleteReaction *DeleteReactionListener
	editMessage    *EditMessageListener
	hideChannel    *HideChannelListener
	queryChannels  *QueryChannelsListener
	queryChannel   *QueryChannelListener
	threadQuery    *ThreadQueryListener

	mu             sync.RWMutex
	online         bool
	currentUser    *User
	totalUnread    int
	unreadChannels int
}

// NewClient assembles a client against the given API base URL. The token
// provider is consulted lazily on first use and again after ExpireToken.
func NewClient(baseURL string, provider TokenProvider, opts ...ClientOption) *Client {
	o := &clientOptions{
		collectorLimits: DefaultCollectorLimits(),
		defaultConfig:   DefaultChannelConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.stores == nil {
		stores := MemoryStores(NewMemoryStore())
		o.stores = &stores
	}

	c := &Client{
		stores: *o.stores,
		logger: o.logger,
		tokens: NewTokenStore(provider),
		online: true,
	}
	c.repo = NewRepository(c.stores, o.defaultConfig, o.logger)
	c.collector = NewEventCollector(o.collectorLimits, o.logger)
	c.collector.Subscribe(c.applyBatch)
	c.debouncer = NewDebouncer(o.debounceWindow)

	if o.api != nil {
		c.api = o.api
	} else {
		c.api = NewHTTPAPI(baseURL, c.tokens, o.httpClient)
	}

	c.transport = NewRealtimeTransport(baseURL, o.transportConfig, c.tokens, c.collector, o.logger)
	c.transport.OnConnected(func(ctx context.Context) {
		c.SetOnline(true)
		if err := c.DeltaSync(ctx); err != nil {
			c.logger.Warn("delta sync after connect failed", "error", err)
		}
	})

	handlers := append([]ChannelErrorHandler{NewOfflineChannelHandler(c, c.stores.Channels, 0, o.logger)}, o.errorHandlers...)
	c.errorChain = NewChannelErrorChain(handlers...)

	c.sendReaction = NewSendReactionListener(c.repo, c, o.logger)
	c.deleteReaction = NewDeleteReactionListener(c.repo, c, o.logger)
	c.editMessage = NewEditMessageListener(c.repo, c, o.logger)
	c.hideChannel = NewHideChannelListener(c.repo, c, o.logger)
	c.queryChannels = NewQueryChannelsListener(c.repo, o.logger)
	c.queryChannel = NewQueryChannelListener(c.repo, o.logger)
	c.threadQuery = NewThreadQueryListener(c.repo, o.logger)
	return c
}

// DefaultChannelConfig is the fallback applied when a channel type has no
// cached config.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		TypingEvents:     true,
		ReadEvents:       true,
		Reactions:        true,
		Replies:          true,
		MaxMessageLength: 5000,
	}
}

// ── ClientState ──────────────────────────────────────────────────────────────

// IsOnline reports the current connectivity assumption.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// CurrentUser returns the logged-in user, or nil before login.
func (c *Client) CurrentUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentUser
}

// SetOnline flips the connectivity assumption. Flipping to online does not by
// itself trigger a sync; the transport's connect hook does.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

// UnreadCounts returns the last observed unread totals.
func (c *Client) UnreadCounts() (totalUnread, unreadChannels int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalUnread, c.unreadChannels
}

// Repository exposes the cache facade for read paths that bypass the client
// operations, such as UI queries.
func (c *Client) Repository() *Repository { return c.repo }

// Collector exposes the event collector so applications can subscribe their
// own batch consumers.
func (c *Client) Collector() *EventCollector { return c.collector }

// ── Session lifecycle ────────────────────────────────────────────────────────

// Login establishes the user session: the sync cursor is created if this is
// the first login. It does not open the realtime connection; call Connect
// for that. Login succeeds offline.
func (c *Client) Login(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return NewValidationError("user id must not be blank")
	}
	c.mu.Lock()
	c.currentUser = user
	c.mu.Unlock()

	state, err := c.stores.SyncStates.SelectSyncState(ctx, user.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &SyncState{UserID: user.ID, LastSyncedAt: time.Now()}
		if err := c.stores.SyncStates.UpsertSyncState(ctx, state); err != nil {
			return err
		}
	}
	return c.stores.Users.InsertUsers(ctx, []*User{user})
}

// Connect opens the realtime connection. A successful connect flips the
// client online and triggers a delta sync through the transport hook.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Logout tears down the session and wipes the local cache. Pending optimistic
// mutations are discarded with it.
func (c *Client) Logout(ctx context.Context) error {
	c.debouncer.Stop()
	if err := c.transport.Disconnect(); err != nil {
		c.logger.Warn("disconnect on logout failed", "error", err)
	}
	if err := c.collector.Flush(); err != nil {
		c.logger.Warn("flush on logout failed", "error", err)
	}

	if err := c.repo.Clear(ctx); err != nil {
		return err
	}
	if err := c.stores.SyncStates.ClearSyncState(ctx); err != nil {
		return err
	}
	c.tokens.ExpireToken()

	c.mu.Lock()
	c.currentUser = nil
	c.totalUnread = 0
	c.unreadChannels = 0
	c.mu.Unlock()
	return nil
}

// Disconnect closes the realtime connection without clearing state. The
// client keeps serving reads and queuing optimistic writes from cache.
func (c *Client) Disconnect() error {
	c.SetOnline(false)
	return c.transport.Disconnect()
}

// ── Event application ────────────────────────────────────────────────────────

// applyBatch is the first batch consumer: it folds every event in a flushed
// batch into the cache before application consumers see the batch.
func (c *Client) applyBatch(batch BatchEvent) error {
	ctx := context.Background()
	for _, ev := range batch.Events() {
		if err := c.applyEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventMessageNew, EventMessageUpdated:
		if ev.Message == nil {
			return nil
		}
		ev.Message.SyncStatus = SyncCompleted
		return c.repo.InsertMessages(ctx, ev.Message)
	case EventMessageDeleted:
		if ev.Message == nil {
			return nil
		}
		ev.Message.SyncStatus = SyncCompleted
		if ev.Message.DeletedAt == nil {
			ev.Message.DeletedAt = timePtr(ev.CreatedAt)
		}
		return c.repo.InsertMessages(ctx, ev.Message)
	case EventReactionNew:
		if ev.Reaction == nil {
			return nil
		}
		ev.Reaction.SyncStatus = SyncCompleted
		return c.repo.InsertReaction(ctx, ev.Reaction)
	case EventReactionDeleted:
		if ev.Reaction == nil {
			return nil
		}
		_, err := c.repo.TombstoneReactions(ctx, ev.Reaction.MessageID, ev.Reaction.UserID, ev.Reaction.Type, ev.CreatedAt, SyncCompleted)
		return err
	case EventChannelUpdated:
		if ev.Channel == nil {
			return nil
		}
		return c.repo.StoreStateForChannels(ctx, []*Channel{ev.Channel})
	case EventChannelHidden:
		if ev.CID == "" {
			return nil
		}
		return c.repo.SetChannelHidden(ctx, ev.CID, true, SyncCompleted)
	case EventUserUpdated:
		if ev.User == nil {
			return nil
		}
		return c.stores.Users.InsertUsers(ctx, []*User{ev.User})
	case EventMemberAdded, EventMemberRemoved:
		if ev.Member == nil || ev.Member.User == nil {
			return nil
		}
		return c.stores.Users.InsertUsers(ctx, []*User{ev.Member.User})
	case EventUnreadCounts:
		c.mu.Lock()
		c.totalUnread = ev.TotalUnread
		c.unreadChannels = ev.UnreadChannels
		c.mu.Unlock()
		return nil
	case EventConnected:
		if ev.User != nil {
			c.mu.Lock()
			c.currentUser = ev.User
			c.mu.Unlock()
			return c.stores.Users.InsertUsers(ctx, []*User{ev.User})
		}
		return nil
	case EventDisconnected, EventConnectionError:
		c.SetOnline(false)
		return nil
	}
	return nil
}

// ── Delta sync ───────────────────────────────────────────────────────────────

// DeltaSync fetches the events missed since the last sync and replays them
// through the collector as one historical batch. On success the sync cursor
// advances.
func (c *Client) DeltaSync(ctx context.Context) error {
	user := c.CurrentUser()
	if user == nil {
		return NewValidationError("no user is logged in")
	}
	state, err := c.stores.SyncStates.SelectSyncState(ctx, user.ID)
	if err != nil {
		return err
	}
	if state == nil {
		return NewNotFoundError("no sync state for user " + user.ID)
	}

	since, cids := state.DeltaWindow()
	res := c.api.Sync(ctx, since, cids)
	if res.IsFailure() {
		return res.Err()
	}
	if err := c.collector.CollectBatch(res.Value(), true); err != nil {
		return err
	}

	state.LastSyncedAt = time.Now()
	if err := c.stores.SyncStates.UpsertSyncState(ctx, state); err != nil {
		return err
	}
	c.logger.Debug("delta sync complete", "events", len(res.Value()), "since", since)
	return nil
}

// WatchChannel adds a channel to the active set synced on reconnect and warms
// the cache with its current state.
func (c *Client) WatchChannel(ctx context.Context, cid string) Result[*Channel] {
	user := c.CurrentUser()
	if user == nil {
		return Failure[*Channel](NewValidationError("no user is logged in"))
	}
	state, err := c.stores.SyncStates.SelectSyncState(ctx, user.ID)
	if err != nil {
		return Failure[*Channel](err)
	}
	if state != nil && !containsString(state.ActiveChannelIDs, cid) {
		state.ActiveChannelIDs = append(state.ActiveChannelIDs, cid)
		if err := c.stores.SyncStates.UpsertSyncState(ctx, state); err != nil {
			return Failure[*Channel](err)
		}
	}
	return c.QueryChannel(ctx, cid)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ── Reactions ────────────────────────────────────────────────────────────────

// SendReaction optimistically adds a reaction to a message. With
// enforceUnique the user's existing reactions on the message are replaced.
func (c *Client) SendReaction(ctx context.Context, reaction *Reaction, enforceUnique bool) Result[*Reaction] {
	if pre := c.sendReaction.OnPrecondition(ctx, reaction); pre.IsFailure() {
		return Failure[*Reaction](pre.Err())
	}
	if err := c.sendReaction.OnRequest(ctx, reaction, enforceUnique); err != nil {
		return Failure[*Reaction](err)
	}
	res := callOnline(c, ctx, func(ctx context.Context) Result[*Reaction] {
		return c.api.SendReaction(ctx, reaction, enforceUnique)
	})
	if err := c.sendReaction.OnResult(ctx, reaction, res); err != nil {
		return Failure[*Reaction](err)
	}
	return res
}

// DeleteReaction optimistically removes the user's reaction of the given type
// from a message.
func (c *Client) DeleteReaction(ctx context.Context, reactionType, messageID string) Result[*Reaction] {
	if pre := c.deleteReaction.OnPrecondition(ctx, reactionType, messageID); pre.IsFailure() {
		return Failure[*Reaction](pre.Err())
	}
	if err := c.deleteReaction.OnRequest(ctx, reactionType, messageID); err != nil {
		return Failure[*Reaction](err)
	}
	res := callOnline(c, ctx, func(ctx context.Context) Result[*Reaction] {
		return c.api.DeleteReaction(ctx, reactionType, messageID)
	})
	if err := c.deleteReaction.OnResult(ctx, reactionType, messageID, res); err != nil {
		return Failure[*Reaction](err)
	}
	return res
}

// ── Messages ─────────────────────────────────────────────────────────────────

// EditMessage optimistically applies an edit. A failed edit keeps the local
// text flagged for retry rather than reverting it.
func (c *Client) EditMessage(ctx context.Context, msg *Message) Result[*Message] {
	if pre := c.editMessage.OnPrecondition(ctx, msg); pre.IsFailure() {
		return Failure[*Message](pre.Err())
	}
	if err := c.editMessage.OnRequest(ctx, msg); err != nil {
		return Failure[*Message](err)
	}
	res := callOnline(c, ctx, func(ctx context.Context) Result[*Message] {
		return c.api.EditMessage(ctx, msg)
	})
	if err := c.editMessage.OnResult(ctx, msg, res); err != nil {
		return Failure[*Message](err)
	}
	return res
}

// GetReplies returns a message's thread. Online, the thread is fetched and
// cached; offline, it is answered from cache.
func (c *Client) GetReplies(ctx context.Context, parentID string, limit int) Result[[]*Message] {
	if pre := c.threadQuery.OnPrecondition(ctx, parentID); pre.IsFailure() {
		return Failure[[]*Message](pre.Err())
	}
	if !c.IsOnline() {
		replies, err := c.threadQuery.CachedReplies(ctx, parentID)
		if err != nil {
			return Failure[[]*Message](err)
		}
		return Success(replies)
	}
	res := c.api.QueryReplies(ctx, parentID, limit)
	if err := c.threadQuery.OnResult(ctx, parentID, res); err != nil {
		return Failure[[]*Message](err)
	}
	return res
}

// ── Channels ─────────────────────────────────────────────────────────────────

// HideChannel optimistically hides a channel, optionally clearing its cached
// history.
func (c *Client) HideChannel(ctx context.Context, cid string, clearHistory bool) Result[Unit] {
	if pre := c.hideChannel.OnPrecondition(ctx, cid); pre.IsFailure() {
		return pre
	}
	if err := c.hideChannel.OnRequest(ctx, cid, clearHistory); err != nil {
		return Failure[Unit](err)
	}
	res := callOnline(c, ctx, func(ctx context.Context) Result[Unit] {
		return c.api.HideChannel(ctx, cid, clearHistory)
	})
	if err := c.hideChannel.OnResult(ctx, cid, res); err != nil {
		return Failure[Unit](err)
	}
	return res
}

// QueryChannels runs a channels query. Online, results warm the cache and the
// query spec is remembered; offline, a previously seen query is answered from
// cache. A blank spec ID gets a generated one.
func (c *Client) QueryChannels(ctx context.Context, q *QuerySpec, window PaginationWindow) Result[[]*Channel] {
	if q != nil && q.ID == "" {
		q.ID = uuid.NewString()
	}
	if pre := c.queryChannels.OnPrecondition(ctx, q); pre.IsFailure() {
		return Failure[[]*Channel](pre.Err())
	}
	if !c.IsOnline() {
		channels, err := c.queryChannels.CachedChannels(ctx, q.ID, window)
		if err != nil {
			return Failure[[]*Channel](err)
		}
		return Success(channels)
	}
	if err := c.queryChannels.OnRequest(ctx, q); err != nil {
		return Failure[[]*Channel](err)
	}
	res := c.api.QueryChannels(ctx, q)
	if err := c.queryChannels.OnResult(ctx, q, res); err != nil {
		return Failure[[]*Channel](err)
	}
	return res
}

// QueryChannel fetches one channel. Online results are cached; offline the
// cache answers directly.
func (c *Client) QueryChannel(ctx context.Context, cid string) Result[*Channel] {
	if pre := c.queryChannel.OnPrecondition(ctx, cid); pre.IsFailure() {
		return Failure[*Channel](pre.Err())
	}
	if !c.IsOnline() {
		ch, err := c.repo.SelectChannel(ctx, cid)
		if err != nil {
			return Failure[*Channel](err)
		}
		if ch == nil {
			return Failure[*Channel](NewNotFoundError("channel " + cid + " not in cache"))
		}
		return Success(ch)
	}
	res := c.api.QueryChannel(ctx, cid)
	if err := c.queryChannel.OnResult(ctx, cid, res); err != nil {
		return Failure[*Channel](err)
	}
	return res
}

// CreateChannel creates (or resolves) a distinct channel for a member set.
// Failures pass through the error handler chain, so an offline client gets
// the cached channel under its deterministic cid when one exists.
func (c *Client) CreateChannel(ctx context.Context, req CreateChannelRequest) Result[*Channel] {
	if req.ChannelType == "" {
		return Failure[*Channel](NewValidationError("channel type must not be blank"))
	}
	if len(req.MemberIDs) == 0 {
		return Failure[*Channel](NewValidationError("member ids must not be empty"))
	}
	call := c.errorChain.Wrap(func(ctx context.Context) Result[*Channel] {
		if !c.IsOnline() {
			return Failure[*Channel](NewNetworkError("client is offline", nil))
		}
		return c.api.CreateChannel(ctx, req)
	}, req)

	res := call(ctx)
	if res.IsSuccess() && res.Value() != nil {
		if err := c.repo.StoreStateForChannels(ctx, []*Channel{res.Value()}); err != nil {
			return Failure[*Channel](err)
		}
	}
	return res
}

// ── Devices ──────────────────────────────────────────────────────────────────

// UpdateDeviceToken registers the push token, debounced so rapid re-issues
// collapse into one call carrying the latest token.
func (c *Client) UpdateDeviceToken(token string) {
	c.debouncer.Submit(deviceDebounceKey, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if res := c.api.AddDevice(ctx, token); res.IsFailure() {
			c.logger.Warn("device token update failed", "error", res.Err())
		}
	})
}

// RemoveDeviceToken unregisters the push token, superseding any pending
// update for the same device.
func (c *Client) RemoveDeviceToken(token string) {
	c.debouncer.Submit(deviceDebounceKey, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if res := c.api.RemoveDevice(ctx, token); res.IsFailure() {
			c.logger.Warn("device token removal failed", "error", res.Err())
		}
	})
}

// ── Retry pass ───────────────────────────────────────────────────────────────

// RetryPending resends cached mutations flagged SyncNeeded. Entities that
// fail permanently are reflagged; entities that fail on the network stay
// SyncNeeded for the next pass.
func (c *Client) RetryPending(ctx context.Context) error {
	if !c.IsOnline() {
		return NewNetworkError("client is offline", nil)
	}

	msgs, err := c.repo.SelectMessagesBySyncStatus(ctx, SyncNeeded)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		res := c.api.EditMessage(ctx, msg)
		if err := c.editMessage.OnResult(ctx, msg, res); err != nil {
			return err
		}
	}

	reactions, err := c.repo.SelectReactionsBySyncStatus(ctx, SyncNeeded)
	if err != nil {
		return err
	}
	for _, reaction := range reactions {
		var res Result[*Reaction]
		if reaction.Deleted() {
			res = c.api.DeleteReaction(ctx, reaction.Type, reaction.MessageID)
			if err := c.deleteReaction.OnResult(ctx, reaction.Type, reaction.MessageID, res); err != nil {
				return err
			}
			continue
		}
		res = c.api.SendReaction(ctx, reaction, false)
		if err := c.sendReaction.OnResult(ctx, reaction, res); err != nil {
			return err
		}
	}

	channels, err := c.repo.SelectChannelsBySyncStatus(ctx, SyncNeeded)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if !ch.Hidden {
			continue
		}
		res := c.api.HideChannel(ctx, ch.CID(), false)
		if err := c.hideChannel.OnResult(ctx, ch.CID(), res); err != nil {
			return err
		}
	}
	return nil
}

// callOnline runs the network step of a mutating operation; while offline it
// short-circuits with a network failure so the optimistic write stays queued.
func callOnline[T any](c *Client, ctx context.Context, fn Call[T]) Result[T] {
	if !c.IsOnline() {
		return Failure[T](NewNetworkError("client is offline", nil))
	}
	return fn(ctx)
}
