package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradefleet/internal/broker"
	"tradefleet/internal/gateway"
	"tradefleet/internal/models"
	"tradefleet/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// statusRecorder collects status events published by the agent.
type statusRecorder struct {
	sync.Mutex
	events []models.StatusEvent
	got    chan models.StatusEvent
}

func newStatusRecorder(t *testing.T, bus *broker.Bus, botID string) *statusRecorder {
	t.Helper()
	rec := &statusRecorder{got: make(chan models.StatusEvent, 64)}
	_, err := bus.Subscribe(models.StatusTopic(botID), func(env broker.Envelope) {
		var event models.StatusEvent
		if err := models.UnmarshalPayload(env.Payload, &event); err != nil {
			return
		}
		rec.Lock()
		rec.events = append(rec.events, event)
		rec.Unlock()
		rec.got <- event
	})
	require.NoError(t, err)
	return rec
}

func (rec *statusRecorder) waitForState(t *testing.T, state models.LifecycleState) models.StatusEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-rec.got:
			if event.State == state {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func sendCommand(t *testing.T, bus *broker.Bus, cmd models.Command) {
	t.Helper()
	payload, err := models.MarshalPayload(cmd)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(broker.Envelope{
		Topic:          models.CommandTopic(cmd.BotID),
		Sequence:       cmd.Sequence,
		IdempotencyKey: cmd.IdempotencyKey,
		Timestamp:      time.Now(),
		Payload:        payload,
	}))
}

func startRunner(t *testing.T, bus *broker.Bus) (*Runner, *statusRecorder, func()) {
	t.Helper()
	rec := newStatusRecorder(t, bus, "bot-1")

	r := New(Options{
		BotID:             "bot-1",
		Strategy:          "momentum",
		StrategyVersion:   "1",
		Market:            "BTC-USDT",
		Interval:          time.Minute,
		HeartbeatInterval: 50 * time.Millisecond,
	}, bus, gateway.NewPaperGateway(zap.NewNop()), strategy.NewRegistry(), nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	return r, rec, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not shut down")
		}
	}
}

// TestStartStopFlow drives the agent through start and stop commands and
// checks the reported states.
func TestStartStopFlow(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()

	_, rec, shutdown := startRunner(t, bus)
	defer shutdown()

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStart, Sequence: 1, IdempotencyKey: "k1",
	})
	rec.waitForState(t, models.StateRunning)

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStop, Sequence: 2, IdempotencyKey: "k2",
	})
	rec.waitForState(t, models.StateStopped)
}

// TestHeartbeats verifies the agent reports liveness on a ticker.
func TestHeartbeats(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()

	_, rec, shutdown := startRunner(t, bus)
	defer shutdown()

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStart, Sequence: 1, IdempotencyKey: "k1",
	})
	rec.waitForState(t, models.StateRunning)

	// At 50ms heartbeats, two more Running reports should arrive quickly.
	rec.waitForState(t, models.StateRunning)
	rec.waitForState(t, models.StateRunning)
}

// TestDuplicateCommandIsNoOp verifies redelivery of an applied sequence does
// nothing.
func TestDuplicateCommandIsNoOp(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()

	r, rec, shutdown := startRunner(t, bus)
	defer shutdown()

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStart, Sequence: 1, IdempotencyKey: "k1",
	})
	rec.waitForState(t, models.StateRunning)

	// Redeliver the same start, then a stale stop with an old sequence.
	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStart, Sequence: 1, IdempotencyKey: "k1",
	})
	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStop, Sequence: 1, IdempotencyKey: "k3",
	})

	time.Sleep(200 * time.Millisecond)
	r.mu.Lock()
	state := r.state
	applied := r.lastApplied
	r.mu.Unlock()

	assert.Equal(t, models.StateRunning, state, "stale commands must not change state")
	assert.Equal(t, uint64(1), applied)
}

// TestUpdateParamsRebuildsStrategy verifies parameter updates swap the
// strategy in place and bad parameters are rejected.
func TestUpdateParamsRebuildsStrategy(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()

	r, rec, shutdown := startRunner(t, bus)
	defer shutdown()

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandStart, Sequence: 1, IdempotencyKey: "k1",
		Params: map[string]float64{"momentum_run": 2},
	})
	rec.waitForState(t, models.StateRunning)

	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandUpdateParams, Sequence: 2, IdempotencyKey: "k2",
		Params: map[string]float64{"momentum_run": 5},
	})

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.strat != nil && r.strat.WarmUp() == 5
	}, 2*time.Second, 10*time.Millisecond)

	// An invalid update is rejected and the current strategy stays.
	sendCommand(t, bus, models.Command{
		BotID: "bot-1", Type: models.CommandUpdateParams, Sequence: 3, IdempotencyKey: "k3",
		Params: map[string]float64{"momentum_run": 0},
	})
	time.Sleep(100 * time.Millisecond)
	r.mu.Lock()
	warmUp := r.strat.WarmUp()
	r.mu.Unlock()
	assert.Equal(t, 5, warmUp)
}
