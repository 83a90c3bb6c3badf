package chatsync

import (
	"sort"
	"sync/atomic"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType tags an Event variant. The set is closed: events are only built
// through the constructors below, never decoded into open-ended shapes.
type EventType string

const (
	EventMessageNew      EventType = "message.new"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionNew     EventType = "reaction.new"
	EventReactionDeleted EventType = "reaction.deleted"
	EventChannelUpdated  EventType = "channel.updated"
	EventChannelHidden   EventType = "channel.hidden"
	EventMemberAdded     EventType = "member.added"
	EventMemberRemoved   EventType = "member.removed"
	EventUserUpdated     EventType = "user.updated"
	EventUnreadCounts    EventType = "notification.unread_counts"

	// Connection lifecycle. These are never merged into batches with other
	// events; the collector delivers each one as its own singleton batch.
	EventConnecting      EventType = "connection.connecting"
	EventConnected       EventType = "connection.connected"
	EventDisconnected    EventType = "connection.disconnected"
	EventConnectionError EventType = "connection.error"
)

// eventSeq is the process-wide sequence counter. Every event gets a unique,
// monotonically increasing number at construction time.
var eventSeq atomic.Int64

// Event is a tagged variant: exactly the payload fields implied by Type are
// set, all others are nil/zero.
type Event struct {
	Seq       int64
	Type      EventType
	CreatedAt time.Time

	Channel  *Channel
	Message  *Message
	Reaction *Reaction
	User     *User
	Member   *Member
	CID      string

	// Unread counts (EventUnreadCounts only).
	TotalUnread    int
	UnreadChannels int

	// Connection lifecycle payload.
	ConnectionID string
	Err          error
}

func newEvent(t EventType, createdAt time.Time) Event {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Event{
		Seq:       eventSeq.Add(1),
		Type:      t,
		CreatedAt: createdAt,
	}
}

// IsLifecycle reports whether the event is a connection-lifecycle variant.
func (e Event) IsLifecycle() bool {
	switch e.Type {
	case EventConnecting, EventConnected, EventDisconnected, EventConnectionError:
		return true
	}
	return false
}

// ============================================================================
// Event constructors
// ============================================================================

func NewMessageEvent(t EventType, msg *Message, createdAt time.Time) Event {
	ev := newEvent(t, createdAt)
	ev.Message = msg
	if msg != nil {
		ev.CID = msg.CID
	}
	return ev
}

func NewReactionEvent(t EventType, reaction *Reaction, msg *Message, createdAt time.Time) Event {
	ev := newEvent(t, createdAt)
	ev.Reaction = reaction
	ev.Message = msg
	if msg != nil {
		ev.CID = msg.CID
	}
	return ev
}

func NewChannelEvent(t EventType, ch *Channel, createdAt time.Time) Event {
	ev := newEvent(t, createdAt)
	ev.Channel = ch
	if ch != nil {
		ev.CID = ch.CID()
	}
	return ev
}

func NewMemberEvent(t EventType, cid string, member *Member, createdAt time.Time) Event {
	ev := newEvent(t, createdAt)
	ev.CID = cid
	ev.Member = member
	return ev
}

func NewUserEvent(user *User, createdAt time.Time) Event {
	ev := newEvent(EventUserUpdated, createdAt)
	ev.User = user
	return ev
}

func NewUnreadCountsEvent(totalUnread, unreadChannels int, createdAt time.Time) Event {
	ev := newEvent(EventUnreadCounts, createdAt)
	ev.TotalUnread = totalUnread
	ev.UnreadChannels = unreadChannels
	return ev
}

func NewConnectingEvent() Event {
	return newEvent(EventConnecting, time.Time{})
}

func NewConnectedEvent(connectionID string, me *User) Event {
	ev := newEvent(EventConnected, time.Time{})
	ev.ConnectionID = connectionID
	ev.User = me
	return ev
}

func NewDisconnectedEvent() Event {
	return newEvent(EventDisconnected, time.Time{})
}

func NewConnectionErrorEvent(err error) Event {
	ev := newEvent(EventConnectionError, time.Time{})
	ev.Err = err
	return ev
}

// ============================================================================
// BatchEvent
// ============================================================================

// BatchEvent is an immutable ordered group of events delivered together.
// Events are sorted ascending by CreatedAt; events sharing a CreatedAt keep
// their enqueue order (stable sort). FromHistory marks batches produced by a
// historical delta-sync fetch rather than the live socket.
type BatchEvent struct {
	events      []Event
	fromHistory bool
}

// NewBatchEvent copies and stably sorts the given events into a batch.
func NewBatchEvent(events []Event, fromHistory bool) BatchEvent {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return BatchEvent{events: sorted, fromHistory: fromHistory}
}

// Events returns the batch contents in delivery order. Callers must not
// mutate the returned slice.
func (b BatchEvent) Events() []Event { return b.events }

// Size returns the number of events in the batch.
func (b BatchEvent) Size() int { return len(b.events) }

// FromHistory reports whether the batch came from a historical sync fetch.
func (b BatchEvent) FromHistory() bool { return b.fromHistory }
