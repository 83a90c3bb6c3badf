package chatsync

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Shared protocol
// ============================================================================
//
// Every mutating operation follows the same state machine:
//
//  1. OnPrecondition — validate required actors and entities exist locally
//     before any network attempt. A failure short-circuits the operation
//     with no mutation.
//  2. OnRequest — apply the change to the local cache immediately, tagging
//     the entity SyncInProgress while online or SyncNeeded while offline.
//  3. The network call executes (an external collaborator).
//  4. OnResult — on success persist the server-confirmed entity as
//     SyncCompleted; on failure retain the optimistic entity and flag it
//     for retry or permanent failure. A cancelled call leaves the entity
//     in SyncInProgress/SyncNeeded, never silently reverted.
//
// Listeners hold no locks across the network call; their suspension points
// are exactly the calls into storage and the network layer.

// ClientState reports the client's connectivity and identity to components
// that need them. Injected, never a global.
type ClientState interface {
	IsOnline() bool
	CurrentUser() *User
}

// statusFor picks the optimistic sync status for a new local mutation.
func statusFor(state ClientState) SyncStatus {
	if state.IsOnline() {
		return SyncInProgress
	}
	return SyncNeeded
}

// reconcileStatus translates a failed call into the status the optimistic
// entity should keep. The second return is false when the call was cancelled
// and the entity must be left untouched for a later retry.
func reconcileStatus(ctx context.Context, err error) (SyncStatus, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	if IsNetwork(err) {
		return SyncNeeded, true
	}
	return SyncFailedPermanently, true
}

// ============================================================================
// Send reaction
// ============================================================================

// SendReactionListener implements the optimistic protocol for sending a
// reaction.
type SendReactionListener struct {
	repo   *Repository
	state  ClientState
	logger *slog.Logger
}

func NewSendReactionListener(repo *Repository, state ClientState, logger *slog.Logger) *SendReactionListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendReactionListener{repo: repo, state: state, logger: logger}
}

func (l *SendReactionListener) OnPrecondition(ctx context.Context, reaction *Reaction) Result[Unit] {
	user := l.state.CurrentUser()
	if user == nil {
		return Failure[Unit](NewValidationError("no user is logged in"))
	}
	if reaction == nil || reaction.MessageID == "" {
		return Failure[Unit](NewValidationError("reaction message id must not be blank"))
	}
	if reaction.Type == "" {
		return Failure[Unit](NewValidationError("reaction type must not be blank"))
	}
	msg, err := l.repo.SelectMessage(ctx, reaction.MessageID)
	if err != nil {
		return Failure[Unit](err)
	}
	if msg == nil {
		return Failure[Unit](NewNotFoundError("message " + reaction.MessageID + " not in cache"))
	}
	return Success(Unit{})
}

// OnRequest applies the optimistic write. With enforceUnique the prior
// reactions by the same user on the same message are tombstoned first,
// mirroring server semantics.
func (l *SendReactionListener) OnRequest(ctx context.Context, reaction *Reaction, enforceUnique bool) error {
	user := l.state.CurrentUser()
	status := statusFor(l.state)
	now := time.Now()

	if enforceUnique {
		if _, err := l.repo.TombstoneReactions(ctx, reaction.MessageID, user.ID, "", now, status); err != nil {
			return err
		}
	}

	reaction.User = user
	reaction.UserID = user.ID
	if reaction.Score == 0 {
		reaction.Score = 1
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = now
	}
	reaction.DeletedAt = nil
	reaction.SyncStatus = status
	return l.repo.InsertReaction(ctx, reaction)
}

func (l *SendReactionListener) OnResult(ctx context.Context, reaction *Reaction, res Result[*Reaction]) error {
	if res.IsSuccess() {
		confirmed := res.Value()
		confirmed.SyncStatus = SyncCompleted
		return l.repo.InsertReaction(ctx, confirmed)
	}
	status, ok := reconcileStatus(ctx, res.Err())
	if !ok {
		return nil
	}
	l.logger.Warn("send reaction failed", "message_id", reaction.MessageID, "status", status.String(), "error", res.Err())
	row, err := l.repo.SelectUserReactionToMessage(ctx, reaction.Type, reaction.MessageID, reaction.UserID)
	if err != nil || row == nil {
		return err
	}
	row.SyncStatus = status
	return l.repo.InsertReaction(ctx, row)
}

// ============================================================================
// Delete reaction
// ============================================================================

// DeleteReactionListener implements the optimistic protocol for removing a
// reaction. The removed reaction leaves the message's active list but stays
// in the cache as a tombstoned row.
type DeleteReactionListener struct {
	repo   *Repository
	state  ClientState
	logger *slog.Logger
}

func NewDeleteReactionListener(repo *Repository, state ClientState, logger *slog.Logger) *DeleteReactionListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeleteReactionListener{repo: repo, state: state, logger: logger}
}

func (l *DeleteReactionListener) OnPrecondition(ctx context.Context, reactionType, messageID string) Result[Unit] {
	user := l.state.CurrentUser()
	if user == nil {
		return Failure[Unit](NewValidationError("no user is logged in"))
	}
	if messageID == "" {
		return Failure[Unit](NewValidationError("message id must not be blank"))
	}
	if reactionType == "" {
		return Failure[Unit](NewValidationError("reaction type must not be blank"))
	}
	row, err := l.repo.SelectUserReactionToMessage(ctx, reactionType, messageID, user.ID)
	if err != nil {
		return Failure[Unit](err)
	}
	if row == nil || row.Deleted() {
		return Failure[Unit](NewNotFoundError("no active " + reactionType + " reaction on message " + messageID))
	}
	return Success(Unit{})
}

func (l *DeleteReactionListener) OnRequest(ctx context.Context, reactionType, messageID string) error {
	user := l.state.CurrentUser()
	_, err := l.repo.TombstoneReactions(ctx, messageID, user.ID, reactionType, time.Now(), statusFor(l.state))
	return err
}

func (l *DeleteReactionListener) OnResult(ctx context.Context, reactionType, messageID string, res Result[*Reaction]) error {
	user := l.state.CurrentUser()
	row, err := l.repo.SelectUserReactionToMessage(ctx, reactionType, messageID, user.ID)
	if err != nil || row == nil {
		return err
	}
	if res.IsSuccess() {
		row.SyncStatus = SyncCompleted
		return l.repo.InsertReaction(ctx, row)
	}
	status, ok := reconcileStatus(ctx, res.Err())
	if !ok {
		return nil
	}
	l.logger.Warn("delete reaction failed", "message_id", messageID, "status", status.String(), "error", res.Err())
	row.SyncStatus = status
	return l.repo.InsertReaction(ctx, row)
}

// ============================================================================
// Edit message
// ============================================================================

// EditMessageListener implements the optimistic protocol for editing a
// message. A failed edit keeps the local text and flags the message instead
// of reverting it.
type EditMessageListener struct {
	repo   *Repository
	state  ClientState
	logger *slog.Logger
}

func NewEditMessageListener(repo *Repository, state ClientState, logger *slog.Logger) *EditMessageListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditMessageListener{repo: repo, state: state, logger: logger}
}

func (l *EditMessageListener) OnPrecondition(ctx context.Context, msg *Message) Result[Unit] {
	if l.state.CurrentUser() == nil {
		return Failure[Unit](NewValidationError("no user is logged in"))
	}
	if msg == nil || msg.ID == "" {
		return Failure[Unit](NewValidationError("message id must not be blank"))
	}
	if msg.Text == "" {
		return Failure[Unit](NewValidationError("message text must not be blank"))
	}
	return Success(Unit{})
}

func (l *EditMessageListener) OnRequest(ctx context.Context, msg *Message) error {
	msg.UpdatedAt = time.Now()
	msg.SyncStatus = statusFor(l.state)
	return l.repo.InsertMessages(ctx, msg)
}

func (l *EditMessageListener) OnResult(ctx context.Context, msg *Message, res Result[*Message]) error {
	if res.IsSuccess() {
		confirmed := res.Value()
		confirmed.SyncStatus = SyncCompleted
		return l.repo.InsertMessages(ctx, confirmed)
	}
	status, ok := reconcileStatus(ctx, res.Err())
	if !ok {
		return nil
	}
	l.logger.Warn("edit message failed", "message_id", msg.ID, "status", status.String(), "error", res.Err())
	cached, err := l.repo.SelectMessage(ctx, msg.ID)
	if err != nil || cached == nil {
		return err
	}
	cached.SyncStatus = status
	return l.repo.InsertMessages(ctx, cached)
}

// ============================================================================
// Hide channel
// ============================================================================

// HideChannelListener implements the optimistic protocol for hiding a
// channel, optionally clearing its cached history.
type HideChannelListener struct {
	repo   *Repository
	state  ClientState
	logger *slog.Logger
}

func NewHideChannelListener(repo *Repository, state ClientState, logger *slog.Logger) *HideChannelListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &HideChannelListener{repo: repo, state: state, logger: logger}
}

func (l *HideChannelListener) OnPrecondition(ctx context.Context, cid string) Result[Unit] {
	if l.state.CurrentUser() == nil {
		return Failure[Unit](NewValidationError("no user is logged in"))
	}
	channelType, channelID := SplitCID(cid)
	if channelType == "" || channelID == "" {
		return Failure[Unit](NewValidationError("cid must be of form {type}:{id}"))
	}
	ch, err := l.repo.SelectChannel(ctx, cid)
	if err != nil {
		return Failure[Unit](err)
	}
	if ch == nil {
		return Failure[Unit](NewNotFoundError("channel " + cid + " not in cache"))
	}
	return Success(Unit{})
}

func (l *HideChannelListener) OnRequest(ctx context.Context, cid string, clearHistory bool) error {
	if err := l.repo.SetChannelHidden(ctx, cid, true, statusFor(l.state)); err != nil {
		return err
	}
	if clearHistory {
		return l.repo.DeleteMessagesForChannel(ctx, cid)
	}
	return nil
}

func (l *HideChannelListener) OnResult(ctx context.Context, cid string, res Result[Unit]) error {
	if res.IsSuccess() {
		return l.repo.SetChannelHidden(ctx, cid, true, SyncCompleted)
	}
	status, ok := reconcileStatus(ctx, res.Err())
	if !ok {
		return nil
	}
	// The optimistic hide is retained; the external sync pass settles it.
	l.logger.Warn("hide channel failed", "cid", cid, "status", status.String(), "error", res.Err())
	return l.repo.SetChannelHidden(ctx, cid, true, status)
}

// ============================================================================
// Channel queries (cache warm)
// ============================================================================

// QueryChannelsListener warms the cache around channels queries: the spec of
// every issued query is remembered, and successful results are stored so the
// same query can be answered from cache while offline.
type QueryChannelsListener struct {
	repo   *Repository
	logger *slog.Logger
}

func NewQueryChannelsListener(repo *Repository, logger *slog.Logger) *QueryChannelsListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryChannelsListener{repo: repo, logger: logger}
}

func (l *QueryChannelsListener) OnPrecondition(ctx context.Context, q *QuerySpec) Result[Unit] {
	if q == nil || q.ID == "" {
		return Failure[Unit](NewValidationError("query spec id must not be blank"))
	}
	return Success(Unit{})
}

func (l *QueryChannelsListener) OnRequest(ctx context.Context, q *QuerySpec) error {
	return l.repo.InsertQuery(ctx, q)
}

func (l *QueryChannelsListener) OnResult(ctx context.Context, q *QuerySpec, res Result[[]*Channel]) error {
	if res.IsFailure() {
		return nil
	}
	channels := res.Value()
	if err := l.repo.StoreStateForChannels(ctx, channels); err != nil {
		return err
	}
	q.CIDs = q.CIDs[:0]
	for _, ch := range channels {
		q.CIDs = append(q.CIDs, ch.CID())
	}
	return l.repo.InsertQuery(ctx, q)
}

// CachedChannels answers a previously seen query from cache, sorted by the
// query's sort field.
func (l *QueryChannelsListener) CachedChannels(ctx context.Context, queryID string, window PaginationWindow) ([]*Channel, error) {
	q, err := l.repo.SelectQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, NewNotFoundError("query " + queryID + " has no cached result")
	}
	channels, err := l.repo.SelectChannels(ctx, q.CIDs, window)
	if err != nil {
		return nil, err
	}
	SortChannelsBy(channels, q.Sort)
	return channels, nil
}

// QueryChannelListener warms the cache around single-channel queries.
type QueryChannelListener struct {
	repo   *Repository
	logger *slog.Logger
}

func NewQueryChannelListener(repo *Repository, logger *slog.Logger) *QueryChannelListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryChannelListener{repo: repo, logger: logger}
}

func (l *QueryChannelListener) OnPrecondition(ctx context.Context, cid string) Result[Unit] {
	channelType, channelID := SplitCID(cid)
	if channelType == "" || channelID == "" {
		return Failure[Unit](NewValidationError("cid must be of form {type}:{id}"))
	}
	return Success(Unit{})
}

func (l *QueryChannelListener) OnResult(ctx context.Context, cid string, res Result[*Channel]) error {
	if res.IsFailure() || res.Value() == nil {
		return nil
	}
	return l.repo.StoreStateForChannels(ctx, []*Channel{res.Value()})
}

// ============================================================================
// Thread replies
// ============================================================================

// ThreadQueryListener warms the cache around thread-reply queries.
type ThreadQueryListener struct {
	repo   *Repository
	logger *slog.Logger
}

func NewThreadQueryListener(repo *Repository, logger *slog.Logger) *ThreadQueryListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadQueryListener{repo: repo, logger: logger}
}

func (l *ThreadQueryListener) OnPrecondition(ctx context.Context, parentID string) Result[Unit] {
	if parentID == "" {
		return Failure[Unit](NewValidationError("parent message id must not be blank"))
	}
	parent, err := l.repo.SelectMessage(ctx, parentID)
	if err != nil {
		return Failure[Unit](err)
	}
	if parent == nil {
		return Failure[Unit](NewNotFoundError("parent message " + parentID + " not in cache"))
	}
	return Success(Unit{})
}

func (l *ThreadQueryListener) OnResult(ctx context.Context, parentID string, res Result[[]*Message]) error {
	if res.IsFailure() {
		return nil
	}
	replies := res.Value()
	for _, reply := range replies {
		reply.ParentID = parentID
	}
	return l.repo.InsertMessages(ctx, replies...)
}

// CachedReplies answers a thread query from cache.
func (l *ThreadQueryListener) CachedReplies(ctx context.Context, parentID string) ([]*Message, error) {
	return l.repo.SelectRepliesForMessage(ctx, parentID)
}
