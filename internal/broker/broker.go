package broker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// Envelope is the unit carried on every topic. Payload is left opaque so the
// broker never needs to know about command or status schemas.
type Envelope struct {
	Topic          string          `json:"topic"`
	Sequence       uint64          `json:"sequence,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// Handler receives every envelope delivered to a subscription. Handlers run
// on the subscription's own dispatch goroutine, so a slow handler delays only
// its own queue.
type Handler func(env Envelope)

// OverflowFunc is invoked when a subscription's bounded queue drops its
// oldest message to admit a new one.
type OverflowFunc func(topic string, dropped Envelope)

// Subscription represents one active topic subscription.
type Subscription interface {
	// Unsubscribe detaches the handler and drains its queue. Safe to call
	// more than once.
	Unsubscribe()
}

// Broker is the messaging abstraction between the orchestrator and bot
// agents. Delivery is at-least-once: publishers retry, so consumers must
// deduplicate via sequence numbers or idempotency keys.
type Broker interface {
	// Publish delivers env to every subscription whose pattern matches
	// env.Topic. It never blocks on slow consumers.
	Publish(env Envelope) error

	// Subscribe registers a handler for a topic pattern. A single "*"
	// segment matches exactly one topic segment, e.g. "bots/*/status".
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// Close shuts down the broker and all subscriptions.
	Close() error
}

// NewIdempotencyKey returns a short, URL-safe unique key for one logical
// command. Retries of the same command reuse the key.
func NewIdempotencyKey() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}

// TopicMatches reports whether a concrete topic matches a pattern. A "*"
// segment matches any single segment; there is no multi-level wildcard.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
