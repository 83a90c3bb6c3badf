package chatsync

import (
	"context"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeState is a controllable ClientState.
type fakeState struct {
	online bool
	user   *User
}

func (s *fakeState) IsOnline() bool     { return s.online }
func (s *fakeState) CurrentUser() *User { return s.user }

func onlineState() *fakeState {
	return &fakeState{online: true, user: &User{ID: "u1", Name: "Ada"}}
}

// ============================================================================
// Send reaction
// ============================================================================

func TestSendReactionPreconditions(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	seedMessage(t, repo, "m1", "messaging:general")

	cases := []struct {
		name     string
		state    *fakeState
		reaction *Reaction
	}{
		{"no user", &fakeState{online: true}, &Reaction{MessageID: "m1", Type: "like"}},
		{"blank message id", onlineState(), &Reaction{Type: "like"}},
		{"blank type", onlineState(), &Reaction{MessageID: "m1"}},
		{"message not cached", onlineState(), &Reaction{MessageID: "ghost", Type: "like"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewSendReactionListener(repo, tc.state, nil)
			if res := l.OnPrecondition(ctx, tc.reaction); res.IsSuccess() {
				t.Fatal("expected precondition failure")
			}
		})
	}
}

func TestSendReactionOptimisticWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("online tags in progress", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		l := NewSendReactionListener(repo, onlineState(), nil)

		r := &Reaction{MessageID: "m1", Type: "like"}
		if err := l.OnRequest(ctx, r, false); err != nil {
			t.Fatalf("on request: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row == nil || row.SyncStatus != SyncInProgress {
			t.Fatalf("expected in-progress row, got %+v", row)
		}
		if row.Score != 1 {
			t.Fatalf("expected default score 1, got %d", row.Score)
		}
	})

	t.Run("offline tags sync needed", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		state := onlineState()
		state.online = false
		l := NewSendReactionListener(repo, state, nil)

		r := &Reaction{MessageID: "m1", Type: "like"}
		if err := l.OnRequest(ctx, r, false); err != nil {
			t.Fatalf("on request: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row == nil || row.SyncStatus != SyncNeeded {
			t.Fatalf("expected sync-needed row, got %+v", row)
		}
	})

	t.Run("enforce unique leaves one active reaction", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		state := onlineState()
		l := NewSendReactionListener(repo, state, nil)

		if err := l.OnRequest(ctx, &Reaction{MessageID: "m1", Type: "like"}, false); err != nil {
			t.Fatalf("seed like: %v", err)
		}
		if err := l.OnRequest(ctx, &Reaction{MessageID: "m1", Type: "love"}, true); err != nil {
			t.Fatalf("unique love: %v", err)
		}

		msg, _ := repo.SelectMessage(ctx, "m1")
		if len(msg.Reactions) != 1 || msg.Reactions[0].Type != "love" {
			t.Fatalf("expected only love active, got %+v", msg.Reactions)
		}
		old, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if old == nil || !old.Deleted() {
			t.Fatal("replaced reaction must stay as tombstone")
		}
	})
}

func TestSendReactionReconcile(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*SendReactionListener, *Repository, *Reaction) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		l := NewSendReactionListener(repo, onlineState(), nil)
		r := &Reaction{MessageID: "m1", Type: "like"}
		if err := l.OnRequest(ctx, r, false); err != nil {
			t.Fatalf("on request: %v", err)
		}
		return l, repo, r
	}

	t.Run("success completes with server row", func(t *testing.T) {
		l, repo, r := setup(t)
		confirmed := &Reaction{MessageID: "m1", UserID: "u1", Type: "like", Score: 1, User: &User{ID: "u1"}, CreatedAt: time.Now()}
		if err := l.OnResult(ctx, r, Success(confirmed)); err != nil {
			t.Fatalf("on result: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row.SyncStatus != SyncCompleted {
			t.Fatalf("expected completed, got %s", row.SyncStatus)
		}
	})

	t.Run("network failure keeps row sync needed", func(t *testing.T) {
		l, repo, r := setup(t)
		failure := Failure[*Reaction](NewNetworkError("request failed", nil))
		if err := l.OnResult(ctx, r, failure); err != nil {
			t.Fatalf("on result: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row.SyncStatus != SyncNeeded {
			t.Fatalf("expected sync needed, got %s", row.SyncStatus)
		}
	})

	t.Run("server rejection flags permanent failure", func(t *testing.T) {
		l, repo, r := setup(t)
		failure := Failure[*Reaction](NewValidationError("reactions disabled"))
		if err := l.OnResult(ctx, r, failure); err != nil {
			t.Fatalf("on result: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row.SyncStatus != SyncFailedPermanently {
			t.Fatalf("expected permanent failure, got %s", row.SyncStatus)
		}
	})

	t.Run("cancelled call leaves row untouched", func(t *testing.T) {
		l, repo, r := setup(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		failure := Failure[*Reaction](NewNetworkError("request failed", context.Canceled))
		if err := l.OnResult(cancelled, r, failure); err != nil {
			t.Fatalf("on result: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row.SyncStatus != SyncInProgress {
			t.Fatalf("cancelled call must not reconcile, got %s", row.SyncStatus)
		}
	})
}

// ============================================================================
// Delete reaction
// ============================================================================

func TestDeleteReactionListener(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*DeleteReactionListener, *Repository) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		send := NewSendReactionListener(repo, onlineState(), nil)
		if err := send.OnRequest(ctx, &Reaction{MessageID: "m1", Type: "like"}, false); err != nil {
			t.Fatalf("seed reaction: %v", err)
		}
		return NewDeleteReactionListener(repo, onlineState(), nil), repo
	}

	t.Run("precondition requires an active row", func(t *testing.T) {
		l, _ := setup(t)
		if res := l.OnPrecondition(ctx, "love", "m1"); res.IsSuccess() {
			t.Fatal("expected failure for missing reaction type")
		}
		if res := l.OnPrecondition(ctx, "like", "m1"); res.IsFailure() {
			t.Fatalf("expected success for active row: %v", res.Err())
		}
	})

	t.Run("request tombstones only the given type", func(t *testing.T) {
		l, repo := setup(t)
		if err := l.OnRequest(ctx, "like", "m1"); err != nil {
			t.Fatalf("on request: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row == nil || !row.Deleted() {
			t.Fatal("row must be tombstoned")
		}
		msg, _ := repo.SelectMessage(ctx, "m1")
		if len(msg.Reactions) != 0 {
			t.Fatalf("active list must be empty, got %+v", msg.Reactions)
		}
	})

	t.Run("success marks tombstone completed", func(t *testing.T) {
		l, repo := setup(t)
		if err := l.OnRequest(ctx, "like", "m1"); err != nil {
			t.Fatalf("on request: %v", err)
		}
		if err := l.OnResult(ctx, "like", "m1", Success(&Reaction{MessageID: "m1", Type: "like"})); err != nil {
			t.Fatalf("on result: %v", err)
		}
		row, _ := repo.SelectUserReactionToMessage(ctx, "like", "m1", "u1")
		if row.SyncStatus != SyncCompleted || !row.Deleted() {
			t.Fatalf("expected completed tombstone, got %+v", row)
		}
	})
}

// ============================================================================
// Edit message
// ============================================================================

func TestEditMessageListener(t *testing.T) {
	ctx := context.Background()

	t.Run("failed edit keeps local text flagged", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		l := NewEditMessageListener(repo, onlineState(), nil)

		edited := &Message{ID: "m1", CID: "messaging:general", Text: "edited locally"}
		if err := l.OnRequest(ctx, edited); err != nil {
			t.Fatalf("on request: %v", err)
		}
		failure := Failure[*Message](NewNetworkError("request failed", nil))
		if err := l.OnResult(ctx, edited, failure); err != nil {
			t.Fatalf("on result: %v", err)
		}

		cached, _ := repo.SelectMessage(ctx, "m1")
		if cached.Text != "edited locally" {
			t.Fatalf("local edit must be retained, got %q", cached.Text)
		}
		if cached.SyncStatus != SyncNeeded {
			t.Fatalf("expected sync needed, got %s", cached.SyncStatus)
		}
	})

	t.Run("success stores server-confirmed message", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		seedMessage(t, repo, "m1", "messaging:general")
		l := NewEditMessageListener(repo, onlineState(), nil)

		edited := &Message{ID: "m1", CID: "messaging:general", Text: "edited"}
		if err := l.OnRequest(ctx, edited); err != nil {
			t.Fatalf("on request: %v", err)
		}
		confirmed := &Message{ID: "m1", CID: "messaging:general", Text: "edited", UpdatedAt: time.Now()}
		if err := l.OnResult(ctx, edited, Success(confirmed)); err != nil {
			t.Fatalf("on result: %v", err)
		}
		cached, _ := repo.SelectMessage(ctx, "m1")
		if cached.SyncStatus != SyncCompleted {
			t.Fatalf("expected completed, got %s", cached.SyncStatus)
		}
	})

	t.Run("blank text fails precondition", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		l := NewEditMessageListener(repo, onlineState(), nil)
		if res := l.OnPrecondition(ctx, &Message{ID: "m1"}); res.IsSuccess() {
			t.Fatal("expected validation failure")
		}
	})
}

// ============================================================================
// Hide channel
// ============================================================================

func TestHideChannelListener(t *testing.T) {
	ctx := context.Background()

	t.Run("no user fails precondition", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		l := NewHideChannelListener(repo, &fakeState{online: true}, nil)
		res := l.OnPrecondition(ctx, "messaging:general")
		if res.IsSuccess() || !IsValidation(res.Err()) {
			t.Fatalf("expected validation failure, got %v", res.Err())
		}
	})

	t.Run("malformed cid fails precondition", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		l := NewHideChannelListener(repo, onlineState(), nil)
		if res := l.OnPrecondition(ctx, "no-separator"); res.IsSuccess() {
			t.Fatal("expected validation failure")
		}
	})

	t.Run("uncached channel fails precondition", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		l := NewHideChannelListener(repo, onlineState(), nil)
		res := l.OnPrecondition(ctx, "messaging:ghost")
		if res.IsSuccess() || !IsNotFound(res.Err()) {
			t.Fatalf("expected not-found, got %v", res.Err())
		}
	})

	t.Run("cached channel passes precondition", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		if err := repo.InsertChannels(ctx, &Channel{Type: "messaging", ID: "general"}); err != nil {
			t.Fatalf("insert channel: %v", err)
		}
		l := NewHideChannelListener(repo, onlineState(), nil)
		if res := l.OnPrecondition(ctx, "messaging:general"); res.IsFailure() {
			t.Fatalf("expected success, got %v", res.Err())
		}
	})

	t.Run("hide with clear history drops messages", func(t *testing.T) {
		repo, store := newTestRepo(t)
		if err := repo.InsertChannels(ctx, &Channel{Type: "messaging", ID: "general"}); err != nil {
			t.Fatalf("insert channel: %v", err)
		}
		seedMessage(t, repo, "m1", "messaging:general")

		l := NewHideChannelListener(repo, onlineState(), nil)
		if err := l.OnRequest(ctx, "messaging:general", true); err != nil {
			t.Fatalf("on request: %v", err)
		}

		ch, _ := store.SelectChannel(ctx, "messaging:general")
		if !ch.Hidden {
			t.Fatal("channel must be hidden")
		}
		if ch.SyncStatus != SyncInProgress {
			t.Fatalf("online hide must be in progress, got %s", ch.SyncStatus)
		}
		if msg, _ := store.SelectMessage(ctx, "m1"); msg != nil {
			t.Fatal("history must be cleared")
		}
	})

	t.Run("success marks the hide completed", func(t *testing.T) {
		repo, store := newTestRepo(t)
		if err := repo.InsertChannels(ctx, &Channel{Type: "messaging", ID: "general"}); err != nil {
			t.Fatalf("insert channel: %v", err)
		}
		l := NewHideChannelListener(repo, onlineState(), nil)
		if err := l.OnRequest(ctx, "messaging:general", false); err != nil {
			t.Fatalf("on request: %v", err)
		}
		if err := l.OnResult(ctx, "messaging:general", Success(Unit{})); err != nil {
			t.Fatalf("on result: %v", err)
		}
		ch, _ := store.SelectChannel(ctx, "messaging:general")
		if !ch.Hidden || ch.SyncStatus != SyncCompleted {
			t.Fatalf("expected completed hide, got %+v", ch)
		}
	})

	t.Run("network failure keeps the hide sync needed", func(t *testing.T) {
		repo, store := newTestRepo(t)
		if err := repo.InsertChannels(ctx, &Channel{Type: "messaging", ID: "general"}); err != nil {
			t.Fatalf("insert channel: %v", err)
		}
		l := NewHideChannelListener(repo, onlineState(), nil)
		if err := l.OnRequest(ctx, "messaging:general", false); err != nil {
			t.Fatalf("on request: %v", err)
		}
		failure := Failure[Unit](NewNetworkError("request failed", nil))
		if err := l.OnResult(ctx, "messaging:general", failure); err != nil {
			t.Fatalf("on result: %v", err)
		}
		ch, _ := store.SelectChannel(ctx, "messaging:general")
		if !ch.Hidden {
			t.Fatal("hide must survive a failed call")
		}
		if ch.SyncStatus != SyncNeeded {
			t.Fatalf("expected sync needed, got %s", ch.SyncStatus)
		}
	})
}

// ============================================================================
// Queries
// ============================================================================

func TestQueryChannelsListener(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	l := NewQueryChannelsListener(repo, nil)

	q := &QuerySpec{ID: "q1", Sort: "cid"}
	if err := l.OnRequest(ctx, q); err != nil {
		t.Fatalf("on request: %v", err)
	}

	channels := []*Channel{
		{Type: "messaging", ID: "zebra", LastMessageAt: time.Now()},
		{Type: "messaging", ID: "alpha", LastMessageAt: time.Now().Add(-time.Hour)},
	}
	if err := l.OnResult(ctx, q, Success(channels)); err != nil {
		t.Fatalf("on result: %v", err)
	}

	t.Run("query remembers resolved cids", func(t *testing.T) {
		stored, _ := repo.SelectQuery(ctx, "q1")
		if stored == nil || len(stored.CIDs) != 2 {
			t.Fatalf("query spec not updated: %+v", stored)
		}
	})

	t.Run("cached answer honours the query sort", func(t *testing.T) {
		got, err := l.CachedChannels(ctx, "q1", SingleMessageWindow)
		if err != nil {
			t.Fatalf("cached channels: %v", err)
		}
		if len(got) != 2 || got[0].ID != "alpha" {
			t.Fatalf("expected cid sort, got %+v", got)
		}
	})

	t.Run("unknown query id is not found", func(t *testing.T) {
		if _, err := l.CachedChannels(ctx, "ghost", SingleMessageWindow); !IsNotFound(err) {
			t.Fatalf("expected not-found, got %v", err)
		}
	})
}

func TestThreadQueryListener(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	seedMessage(t, repo, "parent", "messaging:general")
	l := NewThreadQueryListener(repo, nil)

	t.Run("uncached parent fails precondition", func(t *testing.T) {
		if res := l.OnPrecondition(ctx, "ghost"); res.IsSuccess() {
			t.Fatal("expected failure")
		}
	})

	t.Run("replies are linked to the parent", func(t *testing.T) {
		replies := []*Message{
			{ID: "r1", CID: "messaging:general", Text: "one", CreatedAt: time.Now()},
			{ID: "r2", CID: "messaging:general", Text: "two", CreatedAt: time.Now().Add(time.Second)},
		}
		if err := l.OnResult(ctx, "parent", Success(replies)); err != nil {
			t.Fatalf("on result: %v", err)
		}
		cached, err := l.CachedReplies(ctx, "parent")
		if err != nil {
			t.Fatalf("cached replies: %v", err)
		}
		if len(cached) != 2 {
			t.Fatalf("expected 2 replies, got %d", len(cached))
		}
		for _, r := range cached {
			if r.ParentID != "parent" {
				t.Fatalf("reply %s not linked to parent", r.ID)
			}
		}
	})
}
