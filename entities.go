package chatsync

import (
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Sync status
// ============================================================================

// SyncStatus marks how far a locally mutated entity has progressed toward
// server confirmation. Every locally mutated entity carries exactly one.
//
// Transitions: InProgress → {Completed, FailedPermanently} while online, or
// the entity starts at SyncNeeded while offline and is retried later by an
// external sync pass.
type SyncStatus int

const (
	SyncCompleted SyncStatus = iota
	SyncInProgress
	SyncNeeded
	SyncFailedPermanently
)

func (s SyncStatus) String() string {
	switch s {
	case SyncCompleted:
		return "completed"
	case SyncInProgress:
		return "in_progress"
	case SyncNeeded:
		return "sync_needed"
	case SyncFailedPermanently:
		return "failed_permanently"
	}
	return "unknown"
}

// ============================================================================
// Entities
// ============================================================================

// User is a chat participant.
type User struct {
	ID         string
	Name       string
	Image      string
	Role       string
	Online     bool
	LastActive time.Time
}

// Member is a user's membership in a channel.
type Member struct {
	User      *User
	Role      string
	CreatedAt time.Time
}

// Reaction is a user's reaction to a message. A deleted reaction stays in the
// cache as a tombstone (DeletedAt set) so sync reconciliation can still see
// the prior state; tombstones are excluded from a message's active reactions.
type Reaction struct {
	MessageID  string
	UserID     string
	Type       string
	Score      int
	User       *User
	CreatedAt  time.Time
	DeletedAt  *time.Time
	SyncStatus SyncStatus
}

// Deleted reports whether the reaction is a tombstone.
func (r *Reaction) Deleted() bool { return r.DeletedAt != nil }

// Message is a single chat message with its active reactions and sync
// metadata. ParentID links thread replies to their parent.
type Message struct {
	ID         string
	CID        string
	ParentID   string
	Text       string
	User       *User
	Reactions  []*Reaction
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
	SyncStatus SyncStatus
}

// ChannelRead tracks one member's read position in a channel.
type ChannelRead struct {
	User           *User
	LastReadAt     time.Time
	UnreadMessages int
}

// ChannelConfig carries the per-channel-type configuration.
type ChannelConfig struct {
	ChannelType      string
	TypingEvents     bool
	ReadEvents       bool
	Reactions        bool
	Replies          bool
	MaxMessageLength int
}

// Channel aggregates messages, members, reads and config for one channel.
// SyncStatus tracks local channel mutations (the hidden flag) toward server
// confirmation, like Message and Reaction do for theirs.
type Channel struct {
	Type          string
	ID            string
	Name          string
	CreatedBy     *User
	Members       []*Member
	Messages      []*Message
	Reads         []*ChannelRead
	Config        *ChannelConfig
	Hidden        bool
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SyncStatus    SyncStatus
}

// CID returns the channel's composite identifier, "{type}:{id}".
func (c *Channel) CID() string { return NewCID(c.Type, c.ID) }

// NewCID builds a composite channel identifier from type and id.
func NewCID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// SplitCID splits a composite channel identifier into type and id.
// An id without a type separator is returned as ("", cid).
func SplitCID(cid string) (channelType, channelID string) {
	if i := strings.IndexByte(cid, ':'); i >= 0 {
		return cid[:i], cid[i+1:]
	}
	return "", cid
}

// DeterministicCID derives the channel identifier the server would assign to
// a distinct-member channel: the channel type plus the sorted member ids.
// It lets the offline error handler find a locally created channel in cache
// without a server round trip.
func DeterministicCID(channelType string, memberIDs []string) string {
	ids := make([]string, len(memberIDs))
	copy(ids, memberIDs)
	sort.Strings(ids)
	return NewCID(channelType, "!members-"+strings.Join(ids, ","))
}

// ============================================================================
// Pagination and query specs
// ============================================================================

// PaginationWindow describes how many messages a channel read should carry.
// A window of one message means "just the preview"; anything larger makes
// the repository fetch the matching message window per channel.
type PaginationWindow struct {
	MessageLimit int
	// CreatedBefore limits the window to messages created at or before the
	// given instant; zero means no bound.
	CreatedBefore time.Time
}

// SingleMessageWindow is the default preview window.
var SingleMessageWindow = PaginationWindow{MessageLimit: 1}

// QuerySpec identifies one channels query and remembers which channel ids it
// resolved to, so the query can be answered from cache while offline.
type QuerySpec struct {
	ID     string
	Filter string
	Sort   string
	CIDs   []string
}

// ============================================================================
// Channel sort registry
// ============================================================================

// channelComparators maps sort field names to explicit comparison functions,
// resolved at init time. Less(a, b) semantics; unknown fields fall back to
// last_message_at.
var channelComparators = map[string]func(a, b *Channel) bool{
	"last_message_at": func(a, b *Channel) bool { return a.LastMessageAt.After(b.LastMessageAt) },
	"created_at":      func(a, b *Channel) bool { return a.CreatedAt.After(b.CreatedAt) },
	"updated_at":      func(a, b *Channel) bool { return a.UpdatedAt.After(b.UpdatedAt) },
	"member_count":    func(a, b *Channel) bool { return len(a.Members) > len(b.Members) },
	"cid":             func(a, b *Channel) bool { return a.CID() < b.CID() },
}

// SortChannelsBy stably sorts channels in place by a named field.
func SortChannelsBy(channels []*Channel, field string) {
	cmp, ok := channelComparators[field]
	if !ok {
		cmp = channelComparators["last_message_at"]
	}
	sort.SliceStable(channels, func(i, j int) bool { return cmp(channels[i], channels[j]) })
}

// ============================================================================
// Aggregation helpers
// ============================================================================

// UsersInMessage collects every user embedded in a message: the author and
// all reaction users. Pure read-only projection.
func UsersInMessage(msg *Message) []*User {
	var users []*User
	if msg == nil {
		return users
	}
	if msg.User != nil {
		users = append(users, msg.User)
	}
	for _, r := range msg.Reactions {
		if r.User != nil {
			users = append(users, r.User)
		}
	}
	return users
}

// UsersInChannel collects every user embedded in a channel: creator, members,
// readers, and all users of all contained messages.
func UsersInChannel(ch *Channel) []*User {
	var users []*User
	if ch == nil {
		return users
	}
	if ch.CreatedBy != nil {
		users = append(users, ch.CreatedBy)
	}
	for _, m := range ch.Members {
		if m.User != nil {
			users = append(users, m.User)
		}
	}
	for _, r := range ch.Reads {
		if r.User != nil {
			users = append(users, r.User)
		}
	}
	for _, msg := range ch.Messages {
		users = append(users, UsersInMessage(msg)...)
	}
	return users
}
