package chatsync

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestReconnectorBackoff(t *testing.T) {
	config := &TransportConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    1 * time.Second,
		MaxReconnectAttempts: 4,
	}
	r := newReconnector(config)

	t.Run("delays grow and are capped", func(t *testing.T) {
		var prev time.Duration
		for i := 0; i < 4; i++ {
			d := r.nextDelay()
			if d > config.ReconnectMaxDelay {
				t.Fatalf("delay %v exceeds cap", d)
			}
			if d < prev && d != config.ReconnectMaxDelay {
				t.Fatalf("delay shrank before hitting cap: %v after %v", d, prev)
			}
			prev = d
		}
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		if r.shouldReconnect() {
			t.Fatal("must stop after max attempts")
		}
	})

	t.Run("reset restores the ladder", func(t *testing.T) {
		r.reset()
		if !r.shouldReconnect() {
			t.Fatal("reset must allow reconnecting again")
		}
		if d := r.nextDelay(); d >= 2*config.ReconnectBaseDelay {
			t.Fatalf("first delay after reset too large: %v", d)
		}
	})
}

func TestReconnectorUnlimitedAttempts(t *testing.T) {
	r := &reconnector{baseDelay: time.Millisecond, maxDelay: time.Second, maxAttempts: 0}
	for i := 0; i < 50; i++ {
		if !r.shouldReconnect() {
			t.Fatal("zero max attempts means unlimited")
		}
		r.nextDelay()
	}
}

func TestTransportStateBeforeConnect(t *testing.T) {
	tr := NewRealtimeTransport("https://chat.example.com", nil, nil, NewEventCollector(CollectorLimits{}, nil), nil)
	if tr.State() != TransportDisconnected {
		t.Fatalf("fresh transport must be disconnected, got %s", tr.State())
	}
	// Disconnecting an unconnected transport only emits the lifecycle event.
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestTransportLogsEventDeliveryFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	collector := NewEventCollector(CollectorLimits{}, logger)
	collector.Subscribe(func(batch BatchEvent) error {
		return NewGenericError("consumer exploded")
	})

	tr := NewRealtimeTransport("https://chat.example.com", nil, nil, collector, logger)
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !strings.Contains(buf.String(), "event delivery failed") {
		t.Fatalf("sink failure was not logged, log output: %q", buf.String())
	}
}
