// Package broker fans notification events out to connected admin dashboards.
package broker

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/minipass/reconciler/internal/metrics"
	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

const (
	QueueCapacity     = 100
	RecentCapacity    = 50
	ReplayWindow      = 300 * time.Second
	HeartbeatInterval = 30 * time.Second
	PollInterval      = time.Second
)

// Listener receives every broadcast event outside the broker lock.
type Listener func(event models.NotificationEvent)

// Broker holds one bounded FIFO queue per admin and a ring of recently broadcast
// events replayed to newly connected streams.
type Broker struct {
	logger  *logger.Logger
	metrics metrics.Recorder

	mu        sync.Mutex
	queues    map[string][]models.NotificationEvent
	recent    []models.NotificationEvent
	listeners []Listener

	now          func() time.Time
	window       time.Duration
	pollInterval time.Duration
	heartbeat    time.Duration

	wg       sync.WaitGroup
	closed   chan struct{}
	closeOne sync.Once
}

func New(logger *logger.Logger, recorder metrics.Recorder) *Broker {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Broker{
		logger:       logger,
		metrics:      recorder,
		queues:       make(map[string][]models.NotificationEvent),
		now:          time.Now,
		window:       ReplayWindow,
		pollInterval: PollInterval,
		heartbeat:    HeartbeatInterval,
		closed:       make(chan struct{}),
	}
}

func adminKey(admin string) string {
	return strings.ToLower(strings.TrimSpace(admin))
}

// AddListener registers fn for all future broadcasts.
func (b *Broker) AddListener(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Register creates the admin's queue if it does not exist yet. Queues live for the
// lifetime of the process so events survive a reconnect.
func (b *Broker) Register(admin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureQueue(adminKey(admin))
}

func (b *Broker) ensureQueue(key string) {
	if _, ok := b.queues[key]; !ok {
		b.queues[key] = make([]models.NotificationEvent, 0, 8)
	}
}

// Publish stamps the server timestamp, records the event in the replay ring and
// appends it to every registered admin queue.
func (b *Broker) Publish(event models.NotificationEvent) models.NotificationEvent {
	b.mu.Lock()
	event.ServerTimestamp = b.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = event.ServerTimestamp
	}
	b.recent = appendBounded(b.recent, event, RecentCapacity)
	for key, q := range b.queues {
		b.queues[key] = appendBounded(q, event, QueueCapacity)
	}
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	b.metrics.RecordBrokerEvent(string(event.Type()))
	for _, fn := range listeners {
		fn := fn
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.safeCall(func() { fn(event) }, "brokerListener")
		}()
	}
	return event
}

// PublishTo queues an event for a single admin without touching the replay ring.
func (b *Broker) PublishTo(admin string, event models.NotificationEvent) models.NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	event.ServerTimestamp = b.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = event.ServerTimestamp
	}
	key := adminKey(admin)
	b.ensureQueue(key)
	b.queues[key] = appendBounded(b.queues[key], event, QueueCapacity)
	return event
}

// Drain returns and clears the admin's queue, registering it on first use.
func (b *Broker) Drain(admin string) []models.NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := adminKey(admin)
	q, ok := b.queues[key]
	if !ok {
		b.ensureQueue(key)
		return nil
	}
	if len(q) == 0 {
		return nil
	}
	out := make([]models.NotificationEvent, len(q))
	copy(out, q)
	b.queues[key] = q[:0]
	return out
}

// RecentSince returns a copy of the ring events published within window. Events are
// broadcast to every admin, so the admin only scopes logging.
func (b *Broker) RecentSince(admin string, window time.Duration) []models.NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []models.NotificationEvent
	for _, ev := range b.recent {
		if now.Sub(ev.ServerTimestamp) <= window {
			out = append(out, ev)
		}
	}
	b.logger.Debug("Replaying recent notifications", "admin", adminKey(admin), "count", len(out))
	return out
}

// EvictExpired drops ring events older than the replay window.
func (b *Broker) EvictExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	kept := b.recent[:0]
	for _, ev := range b.recent {
		if now.Sub(ev.ServerTimestamp) <= b.window {
			kept = append(kept, ev)
		}
	}
	for i := len(kept); i < len(b.recent); i++ {
		b.recent[i] = models.NotificationEvent{}
	}
	b.recent = kept
}

// QueueLen reports the pending events for an admin.
func (b *Broker) QueueLen(admin string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[adminKey(admin)])
}

// Shutdown ends all streams and waits for in-flight listener calls.
func (b *Broker) Shutdown() {
	b.CloseStreams()
	b.wg.Wait()
}

// CloseStreams ends every open Stream. Publishing keeps working.
func (b *Broker) CloseStreams() {
	b.closeOne.Do(func() { close(b.closed) })
}

// safeCall runs a function with panic recovery
func (b *Broker) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func appendBounded(q []models.NotificationEvent, ev models.NotificationEvent, capacity int) []models.NotificationEvent {
	if len(q) >= capacity {
		n := copy(q, q[len(q)-capacity+1:])
		q = q[:n]
	}
	return append(q, ev)
}
