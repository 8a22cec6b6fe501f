package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"bots/b1/cmd", "bots/b1/cmd", true},
		{"bots/*/cmd", "bots/b1/cmd", true},
		{"bots/*/status", "bots/b1/cmd", false},
		{"bots/*/cmd", "bots/b1/cmd/extra", false},
		{"bots/*", "bots/b1", true},
		{"*", "bots", true},
		{"*", "bots/b1", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TopicMatches(c.pattern, c.topic), "pattern %q topic %q", c.pattern, c.topic)
	}
}

// collector records delivered envelopes and signals on each delivery.
type collector struct {
	sync.Mutex
	envs []Envelope
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(env Envelope) {
	c.Lock()
	c.envs = append(c.envs, env)
	c.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	c.Lock()
	defer c.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

// TestBusDelivery verifies wildcard routing across subscriptions.
func TestBusDelivery(t *testing.T) {
	bus := NewBus(10, nil, zap.NewNop())
	defer bus.Close()

	all := newCollector()
	one := newCollector()

	_, err := bus.Subscribe("bots/*/status", all.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("bots/b1/status", one.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Envelope{Topic: "bots/b1/status"}))
	require.NoError(t, bus.Publish(Envelope{Topic: "bots/b2/status"}))

	envs := all.wait(t, 2)
	assert.Len(t, envs, 2)

	envs = one.wait(t, 1)
	require.Len(t, envs, 1)
	assert.Equal(t, "bots/b1/status", envs[0].Topic)
}

// TestBusDropOldest verifies the bounded queue drops its oldest message and
// reports the overflow.
func TestBusDropOldest(t *testing.T) {
	var overflowMu sync.Mutex
	var droppedSeqs []uint64

	bus := NewBus(2, func(topic string, dropped Envelope) {
		overflowMu.Lock()
		droppedSeqs = append(droppedSeqs, dropped.Sequence)
		overflowMu.Unlock()
	}, zap.NewNop())
	defer bus.Close()

	block := make(chan struct{})
	entered := make(chan struct{}, 8)
	c := newCollector()
	_, err := bus.Subscribe("t", func(env Envelope) {
		entered <- struct{}{}
		<-block // stall the consumer so the queue fills
		c.handle(env)
	})
	require.NoError(t, err)

	// Park the dispatcher inside the handler on seq 1, then overfill the
	// 2-slot queue with 2, 3, 4 so 2 must be dropped.
	require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: 1}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the first message")
	}
	for seq := uint64(2); seq <= 4; seq++ {
		require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: seq}))
	}

	overflowMu.Lock()
	assert.Equal(t, []uint64{2}, droppedSeqs, "the oldest queued message is dropped")
	overflowMu.Unlock()

	close(block)
	envs := c.wait(t, 3)

	assert.Equal(t, uint64(1), envs[0].Sequence)
	assert.Equal(t, uint64(3), envs[1].Sequence)
	assert.Equal(t, uint64(4), envs[2].Sequence, "newest message survives a drop-oldest policy")
}

// TestBusHandlerPanicIsolated verifies a panicking handler does not kill the
// subscription.
func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus(10, nil, zap.NewNop())
	defer bus.Close()

	c := newCollector()
	first := true
	_, err := bus.Subscribe("t", func(env Envelope) {
		if first {
			first = false
			panic("boom")
		}
		c.handle(env)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: 1}))
	require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: 2}))

	envs := c.wait(t, 1)
	assert.Equal(t, uint64(2), envs[0].Sequence, "delivery should continue after a handler panic")
}

// TestBusUnsubscribe verifies no delivery after unsubscribing.
func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10, nil, zap.NewNop())
	defer bus.Close()

	c := newCollector()
	sub, err := bus.Subscribe("t", c.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: 1}))
	c.wait(t, 1)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(Envelope{Topic: "t", Sequence: 2}))

	select {
	case <-c.got:
		t.Fatal("received a message after unsubscribing")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestNewIdempotencyKeyUnique is a sanity check on key generation.
func TestNewIdempotencyKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k := NewIdempotencyKey()
		require.NotEmpty(t, k)
		require.False(t, seen[k], "idempotency keys must be unique")
		seen[k] = true
	}
}
