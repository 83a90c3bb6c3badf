package chatsync

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Collector limits
// ============================================================================

// CollectorLimits bound how long and how many events the collector may hold
// before flushing a batch.
type CollectorLimits struct {
	// QuietPeriod is the debounce window: a flush fires this long after the
	// most recent event if nothing else arrives.
	QuietPeriod time.Duration
	// MaxHold caps how long the oldest buffered event may wait.
	MaxHold time.Duration
	// MaxBatch caps the number of buffered events.
	MaxBatch int
}

// DefaultCollectorLimits returns the production limits: 300 ms quiet period,
// 1000 ms max hold, 200 events per batch.
func DefaultCollectorLimits() CollectorLimits {
	return CollectorLimits{
		QuietPeriod: 300 * time.Millisecond,
		MaxHold:     1000 * time.Millisecond,
		MaxBatch:    200,
	}
}

func (l CollectorLimits) withDefaults() CollectorLimits {
	d := DefaultCollectorLimits()
	if l.QuietPeriod <= 0 {
		l.QuietPeriod = d.QuietPeriod
	}
	if l.MaxHold <= 0 {
		l.MaxHold = d.MaxHold
	}
	if l.MaxBatch <= 0 {
		l.MaxBatch = d.MaxBatch
	}
	return l
}

// ============================================================================
// EventCollector
// ============================================================================

// BatchConsumer receives flushed batches. A failing consumer aborts delivery
// to the remaining consumers and its error propagates to whichever operation
// triggered the flush; the collector never retries delivery.
type BatchConsumer func(batch BatchEvent) error

// EventCollector coalesces a live event stream into ordered batches.
//
// Non-lifecycle events are buffered and flushed when the buffer reaches
// MaxBatch, when the oldest event has waited MaxHold, or after a QuietPeriod
// with no new events. Connection-lifecycle events flush any pending buffer
// first and are then delivered alone as singleton batches — they are never
// merged with other events.
//
// A single mutex guards the buffer, the pending timer, and delivery, so add
// and flush are mutually exclusive and at most one flush executes at a time.
// No event is dropped.
type EventCollector struct {
	limits CollectorLimits
	logger *slog.Logger

	mu        sync.Mutex
	buf       []Event
	startedAt time.Time
	timer     *time.Timer
	consumers []BatchConsumer
}

// NewEventCollector creates a collector with the given limits (zero fields
// take defaults). A nil logger falls back to slog.Default.
func NewEventCollector(limits CollectorLimits, logger *slog.Logger) *EventCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventCollector{
		limits: limits.withDefaults(),
		logger: logger,
	}
}

// Subscribe registers a consumer for flushed batches. Consumers are invoked
// in registration order.
func (c *EventCollector) Subscribe(consumer BatchConsumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, consumer)
}

// Collect accepts one event. It returns once the event is buffered or a
// flush it triggered has been delivered; delivery errors from that flush
// propagate to the caller.
func (c *EventCollector) Collect(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.IsLifecycle() {
		if err := c.flushLocked(false); err != nil {
			return err
		}
		return c.deliverLocked(NewBatchEvent([]Event{ev}, false))
	}

	c.cancelTimerLocked()
	if len(c.buf) == 0 {
		c.startedAt = time.Now()
	}
	c.buf = append(c.buf, ev)

	if len(c.buf) >= c.limits.MaxBatch {
		return c.flushLocked(false)
	}
	if time.Since(c.startedAt) >= c.limits.MaxHold {
		return c.flushLocked(false)
	}

	c.timer = time.AfterFunc(c.limits.QuietPeriod, c.onQuietPeriod)
	return nil
}

// CollectBatch delivers a pre-fetched group of events (a historical delta
// sync result) as one batch, after flushing anything pending so live events
// collected earlier are not reordered behind the fetched ones.
func (c *EventCollector) CollectBatch(events []Event, fromHistory bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flushLocked(false); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	return c.deliverLocked(NewBatchEvent(events, fromHistory))
}

// Flush forces delivery of any buffered events. Used on shutdown.
func (c *EventCollector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(false)
}

// onQuietPeriod fires when the debounce window elapses with no new events.
// Nobody is waiting on a timer flush, so delivery errors can only be logged.
func (c *EventCollector) onQuietPeriod() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flushLocked(true); err != nil {
		c.logger.Error("batch delivery failed", "error", err)
	}
}

func (c *EventCollector) flushLocked(fromTimer bool) error {
	if !fromTimer {
		c.cancelTimerLocked()
	}
	c.timer = nil
	if len(c.buf) == 0 {
		return nil
	}
	batch := NewBatchEvent(c.buf, false)
	c.buf = nil
	c.startedAt = time.Time{}
	return c.deliverLocked(batch)
}

func (c *EventCollector) deliverLocked(batch BatchEvent) error {
	for _, consumer := range c.consumers {
		if err := consumer(batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *EventCollector) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
