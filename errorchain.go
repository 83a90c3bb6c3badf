package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// ============================================================================
// Error Handler Chain
// ============================================================================

// Call is the abstract asynchronous network call type. Cancellation travels
// through the context; the outcome is always a Result.
type Call[T any] func(ctx context.Context) Result[T]

// CreateChannelRequest describes an outgoing channel-creation call in the
// terms the offline handler needs to find a cached substitute.
type CreateChannelRequest struct {
	ChannelType string
	MemberIDs   []string
}

// ChannelErrorHandler may intercept a failed channel-creation call and
// substitute a result. Handlers are applied in ascending priority order,
// lowest priority innermost (closest to the call).
type ChannelErrorHandler interface {
	Name() string
	Priority() int
	// OnCreateChannelFailure receives the original failure and returns the
	// result to surface instead; returning the failure unchanged passes it
	// through to the next handler.
	OnCreateChannelFailure(ctx context.Context, req CreateChannelRequest, failure error) Result[*Channel]
}

// ChannelErrorChain folds an ordered set of handlers around channel-creation
// calls. Handlers only see Failure outcomes; a Success bypasses the chain
// entirely.
type ChannelErrorChain struct {
	handlers []ChannelErrorHandler
}

// NewChannelErrorChain sorts the handlers by ascending priority.
func NewChannelErrorChain(handlers ...ChannelErrorHandler) *ChannelErrorChain {
	sorted := make([]ChannelErrorHandler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &ChannelErrorChain{handlers: sorted}
}

// Wrap returns the call with every handler folded around it, innermost being
// the first handler in priority order.
func (c *ChannelErrorChain) Wrap(call Call[*Channel], req CreateChannelRequest) Call[*Channel] {
	wrapped := call
	for _, h := range c.handlers {
		handler := h
		inner := wrapped
		wrapped = func(ctx context.Context) Result[*Channel] {
			res := inner(ctx)
			if res.IsSuccess() {
				return res
			}
			return handler.OnCreateChannelFailure(ctx, req, res.Err())
		}
	}
	return wrapped
}

// ============================================================================
// Offline channel handler
// ============================================================================

// OfflineChannelHandler substitutes cached channels for channel-creation
// failures that are attributable to being offline. While online it passes
// every failure through unchanged — a genuine server error is never masked.
type OfflineChannelHandler struct {
	state    ClientState
	channels ChannelStore
	priority int
	logger   *slog.Logger
}

// NewOfflineChannelHandler builds the handler. state reports connectivity;
// channels is the cache consulted for substitutes.
func NewOfflineChannelHandler(state ClientState, channels ChannelStore, priority int, logger *slog.Logger) *OfflineChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineChannelHandler{
		state:    state,
		channels: channels,
		priority: priority,
		logger:   logger,
	}
}

func (h *OfflineChannelHandler) Name() string { return "offline-channel" }

func (h *OfflineChannelHandler) Priority() int { return h.priority }

// OnCreateChannelFailure looks up the deterministic cid in cache when the
// client is offline. A cache hit becomes a Success; a miss becomes a
// NotFoundError distinct from the original failure.
func (h *OfflineChannelHandler) OnCreateChannelFailure(ctx context.Context, req CreateChannelRequest, failure error) Result[*Channel] {
	if h.state.IsOnline() {
		return Failure[*Channel](failure)
	}
	cid := DeterministicCID(req.ChannelType, req.MemberIDs)
	ch, err := h.channels.SelectChannel(ctx, cid)
	if err != nil {
		return Failure[*Channel](err)
	}
	if ch == nil {
		return Failure[*Channel](NewNotFoundError(fmt.Sprintf("channel %s expected in cache but missing", cid)))
	}
	h.logger.Debug("substituted cached channel for offline failure", "cid", cid)
	return Success(ch)
}
