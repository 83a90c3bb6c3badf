package chatsync

import (
	"context"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeAPI is a scriptable API. Unset hooks answer with a generic failure.
type fakeAPI struct {
	sendReaction   func(ctx context.Context, reaction *Reaction, enforceUnique bool) Result[*Reaction]
	deleteReaction func(ctx context.Context, reactionType, messageID string) Result[*Reaction]
	editMessage    func(ctx context.Context, msg *Message) Result[*Message]
	hideChannel    func(ctx context.Context, cid string, clearHistory bool) Result[Unit]
	queryChannel   func(ctx context.Context, cid string) Result[*Channel]
	queryChannels  func(ctx context.Context, q *QuerySpec) Result[[]*Channel]
	queryReplies   func(ctx context.Context, parentID string, limit int) Result[[]*Message]
	createChannel  func(ctx context.Context, req CreateChannelRequest) Result[*Channel]
	sync           func(ctx context.Context, since time.Time, cids []string) Result[[]Event]
	addDevice      func(ctx context.Context, token string) Result[Unit]
	removeDevice   func(ctx context.Context, token string) Result[Unit]
}

func unscripted[T any]() Result[T] {
	return Failure[T](NewGenericError("unscripted API call"))
}

func (f *fakeAPI) SendReaction(ctx context.Context, r *Reaction, u bool) Result[*Reaction] {
	if f.sendReaction == nil {
		return unscripted[*Reaction]()
	}
	return f.sendReaction(ctx, r, u)
}

func (f *fakeAPI) DeleteReaction(ctx context.Context, typ, id string) Result[*Reaction] {
	if f.deleteReaction == nil {
		return unscripted[*Reaction]()
	}
	return f.deleteReaction(ctx, typ, id)
}

func (f *fakeAPI) EditMessage(ctx context.Context, m *Message) Result[*Message] {
	if f.editMessage == nil {
		return unscripted[*Message]()
	}
	return f.editMessage(ctx, m)
}

func (f *fakeAPI) HideChannel(ctx context.Context, cid string, clear bool) Result[Unit] {
	if f.hideChannel == nil {
		return unscripted[Unit]()
	}
	return f.hideChannel(ctx, cid, clear)
}

func (f *fakeAPI) QueryChannel(ctx context.Context, cid string) Result[*Channel] {
	if f.queryChannel == nil {
		return unscripted[*Channel]()
	}
	return f.queryChannel(ctx, cid)
}

func (f *fakeAPI) QueryChannels(ctx context.Context, q *QuerySpec) Result[[]*Channel] {
	if f.queryChannels == nil {
		return unscripted[[]*Channel]()
	}
	return f.queryChannels(ctx, q)
}

func (f *fakeAPI) QueryReplies(ctx context.Context, parentID string, limit int) Result[[]*Message] {
	if f.queryReplies == nil {
		return unscripted[[]*Message]()
	}
	return f.queryReplies(ctx, parentID, limit)
}

func (f *fakeAPI) CreateChannel(ctx context.Context, req CreateChannelRequest) Result[*Channel] {
	if f.createChannel == nil {
		return unscripted[*Channel]()
	}
	return f.createChannel(ctx, req)
}

func (f *fakeAPI) Sync(ctx context.Context, since time.Time, cids []string) Result[[]Event] {
	if f.sync == nil {
		return unscripted[[]Event]()
	}
	return f.sync(ctx, since, cids)
}

func (f *fakeAPI) AddDevice(ctx context.Context, token string) Result[Unit] {
	if f.addDevice == nil {
		return unscripted[Unit]()
	}
	return f.addDevice(ctx, token)
}

func (f *fakeAPI) RemoveDevice(ctx context.Context, token string) Result[Unit] {
	if f.removeDevice == nil {
		return unscripted[Unit]()
	}
	return f.removeDevice(ctx, token)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	provider := func(ctx context.Context) (string, error) { return "test-token", nil }
	return NewClient("https://chat.example.com", provider,
		WithAPI(api),
		WithCollectorLimits(CollectorLimits{QuietPeriod: 10 * time.Millisecond, MaxHold: 50 * time.Millisecond}),
		WithDebounceWindow(10*time.Millisecond),
	)
}

func loginTestUser(t *testing.T, c *Client) *User {
	t.Helper()
	user := &User{ID: "u1", Name: "Ada"}
	if err := c.Login(context.Background(), user); err != nil {
		t.Fatalf("login: %v", err)
	}
	return user
}

// ============================================================================
// Offline mutations
// ============================================================================

func TestClientOfflineSendReaction(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, &fakeAPI{})
	loginTestUser(t, c)
	c.SetOnline(false)

	if err := c.Repository().InsertMessages(ctx, &Message{ID: "m1", CID: "messaging:general", Text: "hi"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := c.SendReaction(ctx, &Reaction{MessageID: "m1", Type: "like"}, false)
	if res.IsSuccess() {
		t.Fatal("offline call must fail")
	}
	if !IsNetwork(res.Err()) {
		t.Fatalf("expected network failure, got %v", res.Err())
	}

	row, err := c.Repository().SelectUserReactionToMessage(ctx, "like", "m1", "u1")
	if err != nil || row == nil {
		t.Fatalf("optimistic row missing: %v", err)
	}
	if row.SyncStatus != SyncNeeded {
		t.Fatalf("expected sync needed, got %s", row.SyncStatus)
	}
}

func TestClientRetryPending(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestClient(t, api)
	loginTestUser(t, c)
	c.SetOnline(false)

	if err := c.Repository().InsertMessages(ctx, &Message{ID: "m1", CID: "messaging:general", Text: "hi"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c.SendReaction(ctx, &Reaction{MessageID: "m1", Type: "like"}, false)

	api.sendReaction = func(ctx context.Context, r *Reaction, u bool) Result[*Reaction] {
		confirmed := *r
		return Success(&confirmed)
	}
	c.SetOnline(true)
	if err := c.RetryPending(ctx); err != nil {
		t.Fatalf("retry pending: %v", err)
	}

	row, _ := c.Repository().SelectUserReactionToMessage(ctx, "like", "m1", "u1")
	if row.SyncStatus != SyncCompleted {
		t.Fatalf("expected completed after retry, got %s", row.SyncStatus)
	}
}

func TestClientRetryPendingResendsHide(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestClient(t, api)
	loginTestUser(t, c)

	if err := c.Repository().InsertChannels(ctx, &Channel{Type: "messaging", ID: "general"}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	c.SetOnline(false)
	if res := c.HideChannel(ctx, "messaging:general", false); res.IsSuccess() {
		t.Fatal("offline call must fail")
	}
	ch, _ := c.Repository().SelectChannel(ctx, "messaging:general")
	if !ch.Hidden || ch.SyncStatus != SyncNeeded {
		t.Fatalf("expected sync-needed hide, got %+v", ch)
	}

	var hides []string
	api.hideChannel = func(ctx context.Context, cid string, clear bool) Result[Unit] {
		hides = append(hides, cid)
		return Success(Unit{})
	}
	c.SetOnline(true)
	if err := c.RetryPending(ctx); err != nil {
		t.Fatalf("retry pending: %v", err)
	}

	if len(hides) != 1 || hides[0] != "messaging:general" {
		t.Fatalf("expected one resent hide, got %v", hides)
	}
	ch, _ = c.Repository().SelectChannel(ctx, "messaging:general")
	if !ch.Hidden || ch.SyncStatus != SyncCompleted {
		t.Fatalf("expected completed hide after retry, got %+v", ch)
	}
}

// ============================================================================
// Channel creation
// ============================================================================

func TestClientCreateChannelOffline(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, &fakeAPI{})
	loginTestUser(t, c)
	c.SetOnline(false)

	req := CreateChannelRequest{ChannelType: "messaging", MemberIDs: []string{"u2", "u1"}}

	t.Run("cache miss surfaces not found", func(t *testing.T) {
		res := c.CreateChannel(ctx, req)
		if res.IsSuccess() || !IsNotFound(res.Err()) {
			t.Fatalf("expected not-found, got %+v", res)
		}
	})

	t.Run("cache hit substitutes the channel", func(t *testing.T) {
		cached := &Channel{Type: "messaging", ID: "!members-u1,u2", Name: "dm"}
		if err := c.Repository().InsertChannels(ctx, cached); err != nil {
			t.Fatalf("seed channel: %v", err)
		}
		res := c.CreateChannel(ctx, req)
		if res.IsFailure() {
			t.Fatalf("expected cached substitute, got %v", res.Err())
		}
		if res.Value().Name != "dm" {
			t.Fatalf("wrong channel: %+v", res.Value())
		}
	})
}

func TestClientCreateChannelValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, &fakeAPI{})

	if res := c.CreateChannel(ctx, CreateChannelRequest{MemberIDs: []string{"u1"}}); !IsValidation(res.Err()) {
		t.Fatalf("expected validation error for blank type, got %v", res.Err())
	}
	if res := c.CreateChannel(ctx, CreateChannelRequest{ChannelType: "messaging"}); !IsValidation(res.Err()) {
		t.Fatalf("expected validation error for empty members, got %v", res.Err())
	}
}

// ============================================================================
// Query replay
// ============================================================================

func TestClientQueryChannelsOfflineReplay(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		queryChannels: func(ctx context.Context, q *QuerySpec) Result[[]*Channel] {
			return Success([]*Channel{
				{Type: "messaging", ID: "general", Name: "General"},
				{Type: "messaging", ID: "random", Name: "Random"},
			})
		},
	}
	c := newTestClient(t, api)
	loginTestUser(t, c)

	q := &QuerySpec{Filter: "members:u1", Sort: "cid"}
	res := c.QueryChannels(ctx, q, SingleMessageWindow)
	if res.IsFailure() {
		t.Fatalf("online query: %v", res.Err())
	}
	if q.ID == "" {
		t.Fatal("a blank query id must be generated")
	}

	c.SetOnline(false)
	cached := c.QueryChannels(ctx, q, SingleMessageWindow)
	if cached.IsFailure() {
		t.Fatalf("offline replay: %v", cached.Err())
	}
	got := cached.Value()
	if len(got) != 2 || got[0].ID != "general" {
		t.Fatalf("unexpected cached result: %+v", got)
	}
}

// ============================================================================
// Delta sync and event application
// ============================================================================

func TestClientDeltaSync(t *testing.T) {
	ctx := context.Background()
	at := time.Now().Add(-10 * time.Minute)
	api := &fakeAPI{
		sync: func(ctx context.Context, since time.Time, cids []string) Result[[]Event] {
			return Success([]Event{
				NewMessageEvent(EventMessageNew, &Message{ID: "m1", CID: "messaging:general", Text: "missed"}, at),
			})
		},
	}
	c := newTestClient(t, api)
	loginTestUser(t, c)

	rec := &batchRecorder{}
	c.Collector().Subscribe(rec.consume)

	if err := c.DeltaSync(ctx); err != nil {
		t.Fatalf("delta sync: %v", err)
	}

	t.Run("events replayed as a historical batch", func(t *testing.T) {
		got := rec.snapshot()
		if len(got) != 1 || !got[0].FromHistory() {
			t.Fatalf("expected one historical batch, got %+v", got)
		}
	})

	t.Run("events applied to the cache", func(t *testing.T) {
		msg, err := c.Repository().SelectMessage(ctx, "m1")
		if err != nil || msg == nil {
			t.Fatalf("missed message not cached: %v", err)
		}
		if msg.SyncStatus != SyncCompleted {
			t.Fatalf("server events are authoritative, got %s", msg.SyncStatus)
		}
	})

	t.Run("cursor advances", func(t *testing.T) {
		state, _ := c.stores.SyncStates.SelectSyncState(ctx, "u1")
		if !state.LastSyncedAt.After(at) {
			t.Fatalf("cursor did not advance: %v", state.LastSyncedAt)
		}
	})
}

func TestClientUnreadCounts(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	c.Collector().Collect(NewUnreadCountsEvent(7, 3, time.Now()))
	if err := c.Collector().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	total, channels := c.UnreadCounts()
	if total != 7 || channels != 3 {
		t.Fatalf("unexpected unread counts: %d/%d", total, channels)
	}
}

// ============================================================================
// Session teardown
// ============================================================================

func TestClientLogoutClearsState(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, &fakeAPI{})
	loginTestUser(t, c)

	if err := c.Repository().InsertMessages(ctx, &Message{ID: "m1", CID: "messaging:general"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if c.CurrentUser() != nil {
		t.Fatal("user must be cleared")
	}
	if msg, _ := c.Repository().SelectMessage(ctx, "m1"); msg != nil {
		t.Fatal("cache must be cleared")
	}
	if state, _ := c.stores.SyncStates.SelectSyncState(ctx, "u1"); state != nil {
		t.Fatal("sync state must be cleared")
	}
}

func TestClientDeviceTokenDebounce(t *testing.T) {
	calls := make(chan string, 8)
	api := &fakeAPI{
		addDevice: func(ctx context.Context, token string) Result[Unit] {
			calls <- token
			return Success(Unit{})
		},
	}
	c := newTestClient(t, api)

	c.UpdateDeviceToken("tok-1")
	c.UpdateDeviceToken("tok-2")
	c.UpdateDeviceToken("tok-3")

	select {
	case tok := <-calls:
		if tok != "tok-3" {
			t.Fatalf("expected the latest token, got %s", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("debounced call never fired")
	}
	select {
	case tok := <-calls:
		t.Fatalf("unexpected extra call with %s", tok)
	case <-time.After(50 * time.Millisecond):
	}
}
