package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradefleet/internal/broker"
	"tradefleet/internal/models"
	"tradefleet/internal/registry"
	"tradefleet/internal/strategy"
	"tradefleet/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockSupervisor fakes process launches.
type mockSupervisor struct {
	sync.Mutex
	launches   int
	terminates int
	launchErr  error
}

func (m *mockSupervisor) Launch(ctx context.Context, botID string) (*supervisor.Handle, error) {
	m.Lock()
	defer m.Unlock()
	m.launches++
	if m.launchErr != nil {
		return nil, m.launchErr
	}
	return &supervisor.Handle{BotID: botID, PID: 10000 + m.launches}, nil
}

func (m *mockSupervisor) Terminate(ctx context.Context, h *supervisor.Handle) error {
	m.Lock()
	defer m.Unlock()
	m.terminates++
	return nil
}

func (m *mockSupervisor) IsAlive(h *supervisor.Handle) bool { return false }

func (m *mockSupervisor) counts() (int, int) {
	m.Lock()
	defer m.Unlock()
	return m.launches, m.terminates
}

// fakeAgent answers commands on the bus the way a healthy runner would.
type fakeAgent struct {
	bus     *broker.Bus
	confirm map[models.CommandType]models.LifecycleState
}

func newFakeAgent(t *testing.T, bus *broker.Bus) *fakeAgent {
	t.Helper()
	agent := &fakeAgent{
		bus: bus,
		confirm: map[models.CommandType]models.LifecycleState{
			models.CommandStart: models.StateRunning,
			models.CommandStop:  models.StateStopped,
		},
	}
	_, err := bus.Subscribe("bots/*/cmd", agent.onCommand)
	require.NoError(t, err)
	return agent
}

func (a *fakeAgent) onCommand(env broker.Envelope) {
	var cmd models.Command
	if err := models.UnmarshalPayload(env.Payload, &cmd); err != nil {
		return
	}
	state, ok := a.confirm[cmd.Type]
	if !ok {
		return
	}
	payload, _ := models.MarshalPayload(models.StatusEvent{
		BotID:     cmd.BotID,
		State:     state,
		Timestamp: time.Now(),
	})
	a.bus.Publish(broker.Envelope{
		Topic:     models.StatusTopic(cmd.BotID),
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func testConfig() *models.Config {
	cfg := &models.Config{
		HeartbeatIntervalSec: 1,
		MissedHeartbeats:     3,
		StartTimeoutSec:      1,
		StopTimeoutSec:       1,
		RetryAttempts:        2,
		RetryInitialDelayMs:  10,
		RetryMaxDelayMs:      50,
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, sup *mockSupervisor, bus *broker.Bus) *Orchestrator {
	t.Helper()
	reg := registry.NewRegistry(nil, zap.NewNop())
	orch := NewOrchestrator(reg, sup, bus, strategy.NewRegistry(), nil, testConfig(), zap.NewNop())
	require.NoError(t, orch.Start())
	t.Cleanup(orch.Stop)
	return orch
}

func spec(id string) models.BotSpec {
	return models.BotSpec{
		ID:                id,
		Strategy:          "bollinger",
		StrategyVersion:   "1",
		RiskLevel:         5,
		CredentialProfile: "paper",
	}
}

func TestCreateBotValidation(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)

	bot, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, bot.State)

	// Risk level out of range.
	bad := spec("bot-2")
	bad.RiskLevel = 11
	_, err = orch.CreateBot(bad)
	assert.ErrorIs(t, err, models.ErrInvalidSpec)

	// Unknown strategy.
	bad = spec("bot-3")
	bad.Strategy = "no-such-strategy"
	_, err = orch.CreateBot(bad)
	assert.ErrorIs(t, err, models.ErrInvalidSpec)

	bots := orch.ListBots()
	require.Len(t, bots, 1)
	assert.Equal(t, "bot-1", bots[0].ID)
}

func TestStartBotHappyPath(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	sup := &mockSupervisor{}
	orch := newTestOrchestrator(t, sup, bus)
	newFakeAgent(t, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)

	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, bot.State)
	assert.Equal(t, uint64(1), bot.LastSequence, "the start command consumes the first sequence number")

	launches, _ := sup.counts()
	assert.Equal(t, 1, launches)
}

// TestStartBotTimeout verifies a silent agent fails the start exactly once.
func TestStartBotTimeout(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)
	// No agent: the start command goes unanswered.

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)

	err = orch.StartBot(context.Background(), "bot-1")
	assert.ErrorIs(t, err, models.ErrStartTimeout)

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, bot.State)
	assert.NotEmpty(t, bot.LastError)
}

// TestStartBotLaunchRetries verifies the launch step burns the retry budget
// before failing.
func TestStartBotLaunchRetries(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	sup := &mockSupervisor{launchErr: errors.New("no capacity")}
	orch := newTestOrchestrator(t, sup, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)

	err = orch.StartBot(context.Background(), "bot-1")
	require.Error(t, err)

	launches, _ := sup.counts()
	assert.Equal(t, 2, launches, "launch should be attempted per the retry budget")

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, bot.State)
}

// TestOperationInProgress verifies concurrent operations on one bot are
// rejected, not queued.
func TestOperationInProgress(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)

	// First start runs into its timeout window; the second must bounce
	// immediately.
	errCh := make(chan error, 1)
	go func() { errCh <- orch.StartBot(context.Background(), "bot-1") }()

	assert.Eventually(t, func() bool {
		err := orch.StopBot(context.Background(), "bot-1")
		return errors.Is(err, models.ErrOperationInProgress)
	}, time.Second, 10*time.Millisecond)

	<-errCh
}

// TestStopBotForced verifies an unresponsive bot is terminated and forced to
// Stopped.
func TestStopBotForced(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	sup := &mockSupervisor{}
	orch := newTestOrchestrator(t, sup, bus)

	agent := newFakeAgent(t, bus)
	delete(agent.confirm, models.CommandStop) // answers starts, ignores stops

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)
	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	err = orch.StopBot(context.Background(), "bot-1")
	assert.ErrorIs(t, err, models.ErrForcedStop)

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, bot.State)

	_, terminates := sup.counts()
	assert.Equal(t, 1, terminates)
}

// TestIllegalStatusEventDropped verifies stale state reports cannot corrupt
// the registry.
func TestIllegalStatusEventDropped(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)

	// Created -> Running skips Starting and must be dropped.
	orch.HandleStatusEvent(models.StatusEvent{
		BotID:     "bot-1",
		State:     models.StateRunning,
		Timestamp: time.Now(),
	})

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, bot.State)
	assert.False(t, bot.LastHeartbeat.IsZero(), "heartbeat applies even when the transition is dropped")
}

// TestWatchdogFailsSilentBot verifies missed heartbeats drive Running to
// Failed and auto-restart schedules a new start.
func TestWatchdogFailsSilentBot(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	sup := &mockSupervisor{}
	orch := newTestOrchestrator(t, sup, bus)
	newFakeAgent(t, bus)

	s := spec("bot-1")
	s.AutoRestart = true
	_, err := orch.CreateBot(s)
	require.NoError(t, err)
	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	// Backdate the heartbeat past the threshold and force a sweep.
	_, err = orch.registry.Update("bot-1", func(b *models.Bot) {
		b.LastHeartbeat = time.Now().Add(-time.Minute)
	})
	require.NoError(t, err)
	orch.checkHeartbeats(3 * time.Second)

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	// Either already restarting (auto-restart won the race) or failed.
	assert.Contains(t, []models.LifecycleState{models.StateFailed, models.StateStarting, models.StateRunning}, bot.State)

	// The fake agent confirms the restart, so the bot returns to Running.
	assert.Eventually(t, func() bool {
		bot, err := orch.GetBot("bot-1")
		return err == nil && bot.State == models.StateRunning
	}, 5*time.Second, 50*time.Millisecond, "auto-restart should bring the bot back")

	launches, _ := sup.counts()
	assert.GreaterOrEqual(t, launches, 2)
}

// TestUpdateBotParams verifies parameter updates persist and bump the
// command sequence for running bots.
func TestUpdateBotParams(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)
	newFakeAgent(t, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)
	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	require.NoError(t, orch.UpdateBotParams("bot-1", map[string]float64{"bb_length": 30}))

	bot, err := orch.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, bot.Params["bb_length"])
	assert.Equal(t, uint64(2), bot.LastSequence, "update command takes the next sequence")
}

// TestArchiveBot verifies only terminal bots can be archived.
func TestArchiveBot(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	orch := newTestOrchestrator(t, &mockSupervisor{}, bus)
	newFakeAgent(t, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)
	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	err = orch.ArchiveBot(context.Background(), "bot-1")
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	require.NoError(t, orch.StopBot(context.Background(), "bot-1"))
	require.NoError(t, orch.ArchiveBot(context.Background(), "bot-1"))

	_, err = orch.GetBot("bot-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// TestArchiveBotTerminatesLingeringProcess verifies archiving a Failed bot
// whose agent process never exited still kills the process.
func TestArchiveBotTerminatesLingeringProcess(t *testing.T) {
	bus := broker.NewBus(100, nil, zap.NewNop())
	defer bus.Close()
	sup := &mockSupervisor{}
	orch := newTestOrchestrator(t, sup, bus)
	newFakeAgent(t, bus)

	_, err := orch.CreateBot(spec("bot-1"))
	require.NoError(t, err)
	require.NoError(t, orch.StartBot(context.Background(), "bot-1"))

	// The agent stops heartbeating but its process stays up.
	orch.HandleStatusEvent(models.StatusEvent{
		BotID:     "bot-1",
		State:     models.StateFailed,
		Timestamp: time.Now(),
		Error:     "heartbeat timeout",
	})

	require.NoError(t, orch.ArchiveBot(context.Background(), "bot-1"))

	_, terminates := sup.counts()
	assert.Equal(t, 1, terminates, "archiving must terminate the leftover process")
}
