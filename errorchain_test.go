package chatsync

import (
	"context"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

// recordingHandler passes failures through and records its invocation order.
type recordingHandler struct {
	name     string
	priority int
	order    *[]string
}

func (h *recordingHandler) Name() string  { return h.name }
func (h *recordingHandler) Priority() int { return h.priority }

func (h *recordingHandler) OnCreateChannelFailure(ctx context.Context, req CreateChannelRequest, failure error) Result[*Channel] {
	*h.order = append(*h.order, h.name)
	return Failure[*Channel](failure)
}

func failingCall(err error) Call[*Channel] {
	return func(ctx context.Context) Result[*Channel] { return Failure[*Channel](err) }
}

// ============================================================================
// Chain folding
// ============================================================================

func TestChainPriorityOrder(t *testing.T) {
	var order []string
	chain := NewChannelErrorChain(
		&recordingHandler{name: "outer", priority: 10, order: &order},
		&recordingHandler{name: "inner", priority: 1, order: &order},
		&recordingHandler{name: "middle", priority: 5, order: &order},
	)

	req := CreateChannelRequest{ChannelType: "messaging", MemberIDs: []string{"a", "b"}}
	call := chain.Wrap(failingCall(NewGenericError("boom")), req)
	res := call(context.Background())

	if res.IsSuccess() {
		t.Fatal("expected failure to propagate through the chain")
	}
	if len(order) != 3 || order[0] != "inner" || order[1] != "middle" || order[2] != "outer" {
		t.Fatalf("handlers must run lowest priority first, got %v", order)
	}
}

func TestChainSuccessBypassesHandlers(t *testing.T) {
	var order []string
	chain := NewChannelErrorChain(&recordingHandler{name: "h", priority: 1, order: &order})

	ch := &Channel{Type: "messaging", ID: "general"}
	call := chain.Wrap(func(ctx context.Context) Result[*Channel] { return Success(ch) }, CreateChannelRequest{})
	res := call(context.Background())

	if res.IsFailure() || res.Value() != ch {
		t.Fatalf("success must pass through untouched: %+v", res)
	}
	if len(order) != 0 {
		t.Fatalf("handlers must not run on success, ran %v", order)
	}
}

func TestChainHandlerSubstitutesResult(t *testing.T) {
	substitute := &Channel{Type: "messaging", ID: "cached"}
	chain := NewChannelErrorChain(substituteHandler{ch: substitute})

	call := chain.Wrap(failingCall(NewNetworkError("offline", nil)), CreateChannelRequest{})
	res := call(context.Background())
	if res.IsFailure() || res.Value() != substitute {
		t.Fatalf("expected substituted channel, got %+v", res)
	}
}

type substituteHandler struct{ ch *Channel }

func (h substituteHandler) Name() string  { return "substitute" }
func (h substituteHandler) Priority() int { return 0 }
func (h substituteHandler) OnCreateChannelFailure(ctx context.Context, req CreateChannelRequest, failure error) Result[*Channel] {
	return Success(h.ch)
}

// ============================================================================
// Offline handler
// ============================================================================

func TestOfflineChannelHandler(t *testing.T) {
	ctx := context.Background()
	req := CreateChannelRequest{ChannelType: "messaging", MemberIDs: []string{"u2", "u1"}}
	original := NewNetworkError("request failed", nil)

	t.Run("online passes failure through", func(t *testing.T) {
		store := NewMemoryStore()
		h := NewOfflineChannelHandler(&fakeState{online: true}, store, 0, nil)
		res := h.OnCreateChannelFailure(ctx, req, original)
		if res.IsSuccess() || res.Err() != original {
			t.Fatalf("online failure must pass through untouched: %+v", res)
		}
	})

	t.Run("offline cache hit substitutes channel", func(t *testing.T) {
		store := NewMemoryStore()
		// The deterministic id sorts member ids regardless of request order.
		cached := &Channel{Type: "messaging", ID: "!members-u1,u2"}
		if err := store.InsertChannels(ctx, []*Channel{cached}); err != nil {
			t.Fatalf("insert channel: %v", err)
		}
		h := NewOfflineChannelHandler(&fakeState{online: false}, store, 0, nil)
		res := h.OnCreateChannelFailure(ctx, req, original)
		if res.IsFailure() {
			t.Fatalf("expected cached substitute, got %v", res.Err())
		}
		if res.Value().CID() != "messaging:!members-u1,u2" {
			t.Fatalf("wrong channel substituted: %s", res.Value().CID())
		}
	})

	t.Run("offline cache miss is not found", func(t *testing.T) {
		store := NewMemoryStore()
		h := NewOfflineChannelHandler(&fakeState{online: false}, store, 0, nil)
		res := h.OnCreateChannelFailure(ctx, req, original)
		if res.IsSuccess() {
			t.Fatal("expected failure on cache miss")
		}
		if !IsNotFound(res.Err()) {
			t.Fatalf("expected not-found, got %v", res.Err())
		}
		if res.Err() == original {
			t.Fatal("cache-miss failure must be distinct from the original")
		}
	})
}

func TestDeterministicCID(t *testing.T) {
	a := DeterministicCID("messaging", []string{"u2", "u1", "u3"})
	b := DeterministicCID("messaging", []string{"u3", "u2", "u1"})
	if a != b {
		t.Fatalf("member order must not matter: %s vs %s", a, b)
	}
	if a != "messaging:!members-u1,u2,u3" {
		t.Fatalf("unexpected cid: %s", a)
	}
}
