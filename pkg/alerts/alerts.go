// Package alerts is the fleet's notification sink: severity-tagged
// alerts with a suppression window and recovery emission, published
// onward to the message fabric's alert.* queues for downstream
// handlers this repository does not implement. The subscribe/publish/
// broadcast shape is kept from pkg/events.Broker; the suppression and
// recovery logic is new, layered on top of it.
package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
)

// Severity is an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single notification about fleet or workflow state.
type Alert struct {
	ID         string    `json:"id"`
	Severity   Severity  `json:"severity"`
	Category   string    `json:"category"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Server     string    `json:"server,omitempty"`
	Service    string    `json:"service,omitempty"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Recovery   bool      `json:"recovery"`
}

func suppressionKey(a Alert) string {
	return a.Category + "|" + a.Title + "|" + a.Server + "|" + a.Service
}

// Subscriber receives every alert published to the bus, mirroring
// events.Subscriber's buffered-channel shape.
type Subscriber chan *Alert

// Bus publishes alerts, suppressing duplicates of the same
// (category, title, server, service) tuple within Window, and
// forwards every alert onward to the message fabric keyed by
// severity/category.
type Bus struct {
	fabric broker.Fabric
	window time.Duration

	mu          sync.Mutex
	subscribers map[Subscriber]bool
	lastFired   map[string]time.Time // suppressionKey -> last publish time
	active      map[string]Alert     // suppressionKey -> the condition currently firing, for recovery detection
}

// Config configures a Bus.
type Config struct {
	Fabric            broker.Fabric
	SuppressionWindow time.Duration // defaults to 5 minutes if zero
}

// New creates a Bus. Fabric may be nil in tests that only care about
// in-process subscriber delivery.
func New(cfg Config) *Bus {
	window := cfg.SuppressionWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Bus{
		fabric:      cfg.Fabric,
		window:      window,
		subscribers: make(map[Subscriber]bool),
		lastFired:   make(map[string]time.Time),
		active:      make(map[string]Alert),
	}
}

// Subscribe registers sub to receive every non-suppressed alert.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes sub.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fires alert unless an identical (category, title, server,
// service) tuple already fired within the suppression window. The
// first call for a previously-unseen condition, or one made after the
// window has elapsed, always fires. Recovery alerts are never
// suppressed.
func (b *Bus) Publish(ctx context.Context, a Alert) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	key := suppressionKey(a)
	b.mu.Lock()
	last, seen := b.lastFired[key]
	suppressed := !a.Recovery && seen && time.Since(last) < b.window
	if !suppressed {
		b.lastFired[key] = a.Timestamp
	}
	if !a.Recovery {
		b.active[key] = a
	} else {
		delete(b.active, key)
	}
	b.mu.Unlock()

	if suppressed {
		metrics.AlertsSuppressedTotal.WithLabelValues(a.Category).Inc()
		return
	}

	b.deliver(a)
	b.forward(ctx, a)
	metrics.AlertsPublishedTotal.WithLabelValues(string(a.Severity), a.Category).Inc()
}

// Resolve emits a recovery alert for the (category, title, server,
// service) tuple if, and only if, that condition is currently active
// (a prior non-recovery Publish fired for it and no recovery has
// followed). Calling Resolve for a condition that never fired, or that
// already recovered, is a no-op.
func (b *Bus) Resolve(ctx context.Context, category, title, server, service, message string) {
	key := category + "|" + title + "|" + server + "|" + service
	b.mu.Lock()
	prior, ok := b.active[key]
	if ok {
		delete(b.active, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	recovery := Alert{
		Severity:   SeverityInfo,
		Category:   category,
		Title:      title,
		Message:    message,
		Server:     server,
		Service:    service,
		WorkflowID: prior.WorkflowID,
		Recovery:   true,
	}
	b.Publish(ctx, recovery)
}

func (b *Bus) deliver(a Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		cp := a
		select {
		case sub <- &cp:
		default:
			log.WithComponent("alerts").Warn().Str("category", a.Category).Msg("subscriber buffer full, dropping alert")
		}
	}
}

func (b *Bus) forward(ctx context.Context, a Alert) {
	if b.fabric == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		log.WithComponent("alerts").Error().Err(err).Msg("marshal alert")
		return
	}
	routingKey := broker.AlertKey(string(a.Severity), a.Category)
	if err := b.fabric.Publish(ctx, routingKey, payload, broker.PublishOptions{Persistent: true}); err != nil {
		log.WithComponent("alerts").Warn().Err(err).Str("routing_key", routingKey).Msg("forward alert to message fabric")
	}
}
