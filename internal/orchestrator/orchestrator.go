package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradefleet/internal/broker"
	"tradefleet/internal/config"
	"tradefleet/internal/models"
	"tradefleet/internal/registry"
	"tradefleet/internal/retry"
	"tradefleet/internal/strategy"
	"tradefleet/internal/supervisor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storer mirrors lifecycle changes into long-term storage. It is optional;
// the registry's own repository remains the source of truth.
type Storer interface {
	PersistBotState(bot *models.Bot) error
}

// Orchestrator coordinates the Registry, Supervisor, and Broker to run each
// bot's lifecycle state machine. Operations on different bots proceed in
// parallel; a second operation on a bot already mid-transition is rejected
// with ErrOperationInProgress.
type Orchestrator struct {
	registry   *registry.Registry
	supervisor supervisor.Supervisor
	broker     broker.Broker
	strategies *strategy.Registry
	store      Storer // may be nil
	cfg        *models.Config
	retryPol   retry.Policy
	logger     *zap.Logger

	inflight sync.Map // bot id -> struct{}, guards per-bot operations
	handles  sync.Map // bot id -> *supervisor.Handle

	waiterMu sync.Mutex
	waiters  map[string][]*stateWaiter

	statusSub broker.Subscription
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// stateWaiter is resolved by the status-event path when the awaited bot
// reaches the target state.
type stateWaiter struct {
	target models.LifecycleState
	ch     chan struct{}
}

// NewOrchestrator wires the orchestrator. store may be nil.
func NewOrchestrator(reg *registry.Registry, sup supervisor.Supervisor, brk broker.Broker, strategies *strategy.Registry, store Storer, cfg *models.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		supervisor: sup,
		broker:     brk,
		strategies: strategies,
		store:      store,
		cfg:        cfg,
		retryPol: retry.Policy{
			MaxAttempts: cfg.RetryAttempts,
			Min:         time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
			Max:         time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		},
		logger:   logger,
		waiters:  make(map[string][]*stateWaiter),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to status topics and launches the heartbeat watchdog.
func (o *Orchestrator) Start() error {
	sub, err := o.broker.Subscribe("bots/*/status", o.onStatusEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	o.statusSub = sub

	o.wg.Add(1)
	go o.watchdogLoop()

	o.logger.Sugar().Info("Orchestrator started.")
	return nil
}

// Stop shuts down the watchdog and status subscription. Bots keep running;
// recovery on next start is driven by the registry.
func (o *Orchestrator) Stop() {
	close(o.stopChan)
	if o.statusSub != nil {
		o.statusSub.Unsubscribe()
	}
	o.wg.Wait()
	o.logger.Sugar().Info("Orchestrator stopped.")
}

// CreateBot validates a spec and registers a new bot in the Created state.
func (o *Orchestrator) CreateBot(spec models.BotSpec) (*models.Bot, error) {
	if err := config.ValidateSpec(spec); err != nil {
		return nil, err
	}
	if _, err := o.strategies.Lookup(spec.Strategy, spec.StrategyVersion); err != nil {
		return nil, fmt.Errorf("unknown strategy %s@%s: %w", spec.Strategy, spec.StrategyVersion, models.ErrInvalidSpec)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	params := make(map[string]float64, len(spec.Params))
	for k, v := range spec.Params {
		params[k] = v
	}

	bot := &models.Bot{
		ID:                id,
		Strategy:          spec.Strategy,
		StrategyVersion:   spec.StrategyVersion,
		Params:            params,
		RiskLevel:         spec.RiskLevel,
		CredentialProfile: spec.CredentialProfile,
		AutoRestart:       spec.AutoRestart,
	}
	if err := o.registry.Create(bot); err != nil {
		return nil, err
	}
	o.mirror(bot)

	o.logger.Sugar().Infof("Created bot %s (strategy %s@%s, risk %d).", id, spec.Strategy, spec.StrategyVersion, spec.RiskLevel)
	return bot.Clone(), nil
}

// GetBot returns a snapshot of one bot.
func (o *Orchestrator) GetBot(id string) (*models.Bot, error) {
	return o.registry.Get(id)
}

// ListBots returns snapshots of all bots.
func (o *Orchestrator) ListBots() []*models.Bot {
	return o.registry.List()
}

// StartBot launches a bot's runtime and drives it to Running. The launch
// step is retried per the configured budget; if no confirming status event
// arrives within the start timeout the bot is marked Failed exactly once and
// ErrStartTimeout is returned.
func (o *Orchestrator) StartBot(ctx context.Context, id string) error {
	release, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	// Persist the Starting transition before any external side effect.
	bot, err := o.registry.Transition(id, models.StateStarting, func(b *models.Bot) {
		b.LastHeartbeat = time.Now()
	})
	if err != nil {
		return err
	}
	o.mirror(bot)

	waiter := o.addWaiter(id, models.StateRunning)
	defer o.removeWaiter(id, waiter)

	var handle *supervisor.Handle
	launchErr := o.retryPol.Do(ctx, func() error {
		h, err := o.supervisor.Launch(ctx, id)
		if err != nil {
			o.logger.Sugar().Warnf("Launch attempt for bot %s failed: %v", id, err)
			return err
		}
		handle = h
		return nil
	})
	if launchErr != nil {
		o.failBot(id, fmt.Sprintf("launch failed: %v", launchErr))
		return fmt.Errorf("bot %s: %w", id, launchErr)
	}
	o.handles.Store(id, handle)

	if err := o.sendCommand(id, models.CommandStart, bot.Params); err != nil {
		o.failBot(id, fmt.Sprintf("start command failed: %v", err))
		return err
	}

	select {
	case <-waiter.ch:
		return nil
	case <-time.After(o.cfg.StartTimeout()):
		o.failBot(id, "no Running confirmation within start timeout")
		return fmt.Errorf("bot %s: %w", id, models.ErrStartTimeout)
	case <-ctx.Done():
		// The command stays in flight; a late status event is handled
		// idempotently by onStatusEnvelope.
		return ctx.Err()
	}
}

// StopBot drives a bot to Stopped. If the bot does not confirm within the
// stop timeout its process is terminated and the stop is recorded as forced;
// the returned error wraps ErrForcedStop and is not fatal.
func (o *Orchestrator) StopBot(ctx context.Context, id string) error {
	release, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	bot, err := o.registry.Transition(id, models.StateStopping, nil)
	if err != nil {
		return err
	}
	o.mirror(bot)

	waiter := o.addWaiter(id, models.StateStopped)
	defer o.removeWaiter(id, waiter)

	if err := o.sendCommand(id, models.CommandStop, nil); err != nil {
		o.logger.Sugar().Warnf("Stop command for bot %s failed, falling back to termination: %v", id, err)
	}

	select {
	case <-waiter.ch:
		o.terminateHandle(ctx, id)
		return nil
	case <-time.After(o.cfg.StopTimeout()):
		o.logger.Sugar().Warnf("Bot %s did not confirm stop in time, terminating its process.", id)
		o.terminateHandle(ctx, id)
		if bot, err := o.registry.Transition(id, models.StateStopped, nil); err == nil {
			o.mirror(bot)
		}
		return fmt.Errorf("bot %s: %w", id, models.ErrForcedStop)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateBotParams replaces a bot's parameter set. For a Running bot the new
// parameters are also pushed over the command topic.
func (o *Orchestrator) UpdateBotParams(id string, params map[string]float64) error {
	release, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	bot, err := o.registry.Update(id, func(b *models.Bot) {
		b.Params = make(map[string]float64, len(params))
		for k, v := range params {
			b.Params[k] = v
		}
	})
	if err != nil {
		return err
	}
	o.mirror(bot)

	if bot.State == models.StateRunning {
		return o.sendCommand(id, models.CommandUpdateParams, params)
	}
	return nil
}

// ArchiveBot removes a terminal bot from the fleet. A lingering process
// (possible for a Failed bot whose agent is still alive) is terminated so
// archiving never leaks it.
func (o *Orchestrator) ArchiveBot(ctx context.Context, id string) error {
	release, err := o.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if err := o.registry.Delete(id); err != nil {
		return err
	}
	o.terminateHandle(ctx, id)
	o.logger.Sugar().Infof("Archived bot %s.", id)
	return nil
}

// HandleStatusEvent updates the bot's heartbeat unconditionally and applies
// the reported state only when it is a legal move from the current recorded
// state. Illegal or stale reports are logged and dropped.
func (o *Orchestrator) HandleStatusEvent(event models.StatusEvent) {
	bot, err := o.registry.Get(event.BotID)
	if err != nil {
		o.logger.Sugar().Warnf("Status event for unknown bot %s dropped.", event.BotID)
		return
	}

	if _, err := o.registry.Update(event.BotID, func(b *models.Bot) {
		b.LastHeartbeat = event.Timestamp
	}); err != nil {
		o.logger.Sugar().Errorf("Failed to record heartbeat for bot %s: %v", event.BotID, err)
		return
	}

	if event.State == "" || event.State == bot.State {
		return // plain heartbeat
	}

	if !models.CanTransition(bot.State, event.State) {
		o.logger.Sugar().Warnf("Dropping status event for bot %s: illegal transition %s -> %s (stale or duplicate delivery).",
			event.BotID, bot.State, event.State)
		return
	}

	updated, err := o.registry.Transition(event.BotID, event.State, func(b *models.Bot) {
		if event.Error != "" {
			b.LastError = event.Error
		}
	})
	if err != nil {
		o.logger.Sugar().Warnf("Failed to apply status event for bot %s: %v", event.BotID, err)
		return
	}
	o.mirror(updated)

	o.notifyWaiters(event.BotID, event.State)

	if event.State == models.StateFailed && updated.AutoRestart {
		o.scheduleRestart(event.BotID)
	}
}

// onStatusEnvelope decodes a broker envelope into a StatusEvent.
func (o *Orchestrator) onStatusEnvelope(env broker.Envelope) {
	var event models.StatusEvent
	if err := models.UnmarshalPayload(env.Payload, &event); err != nil {
		o.logger.Sugar().Warnf("Failed to decode status event on %s: %v", env.Topic, err)
		return
	}
	if event.BotID == "" {
		// Fall back to the topic segment: bots/<id>/status.
		parts := strings.Split(env.Topic, "/")
		if len(parts) == 3 {
			event.BotID = parts[1]
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = env.Timestamp
	}
	o.HandleStatusEvent(event)
}

// watchdogLoop marks Running bots Failed when they miss the configured
// number of heartbeats.
func (o *Orchestrator) watchdogLoop() {
	defer o.wg.Done()

	interval := o.cfg.HeartbeatInterval()
	threshold := time.Duration(o.cfg.MissedHeartbeats) * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.checkHeartbeats(threshold)
		}
	}
}

func (o *Orchestrator) checkHeartbeats(threshold time.Duration) {
	now := time.Now()
	for _, bot := range o.registry.List() {
		if bot.State != models.StateRunning {
			continue
		}
		if now.Sub(bot.LastHeartbeat) <= threshold {
			continue
		}

		o.logger.Sugar().Warnf("Bot %s missed heartbeats for %s (threshold %s), marking as FAILED.",
			bot.ID, now.Sub(bot.LastHeartbeat).Round(time.Second), threshold)

		updated, err := o.registry.Transition(bot.ID, models.StateFailed, func(b *models.Bot) {
			b.LastError = "heartbeat timeout"
		})
		if err != nil {
			o.logger.Sugar().Errorf("Failed to fail bot %s: %v", bot.ID, err)
			continue
		}
		o.mirror(updated)

		if updated.AutoRestart {
			o.scheduleRestart(bot.ID)
		}
	}
}

// scheduleRestart starts a Failed bot again on a background goroutine.
func (o *Orchestrator) scheduleRestart(id string) {
	o.logger.Sugar().Infof("Scheduling automatic restart of bot %s.", id)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.stopChan:
			return
		case <-time.After(time.Duration(o.cfg.RetryInitialDelayMs) * time.Millisecond):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*o.cfg.StartTimeout())
		defer cancel()
		if err := o.StartBot(ctx, id); err != nil {
			o.logger.Sugar().Errorf("Automatic restart of bot %s failed: %v", id, err)
		}
	}()
}

// sendCommand allocates the next sequence number, persists it, then
// publishes the command. Persisting first keeps the sequence monotonic
// across restarts.
func (o *Orchestrator) sendCommand(id string, cmdType models.CommandType, params map[string]float64) error {
	var seq uint64
	if _, err := o.registry.Update(id, func(b *models.Bot) {
		b.LastSequence++
		seq = b.LastSequence
	}); err != nil {
		return err
	}

	cmd := models.Command{
		BotID:          id,
		Type:           cmdType,
		Sequence:       seq,
		IdempotencyKey: broker.NewIdempotencyKey(),
		Params:         params,
		Timestamp:      time.Now(),
	}
	payload, err := models.MarshalPayload(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s command for bot %s: %w", cmdType, id, err)
	}

	return o.broker.Publish(broker.Envelope{
		Topic:          models.CommandTopic(id),
		Sequence:       seq,
		IdempotencyKey: cmd.IdempotencyKey,
		Timestamp:      cmd.Timestamp,
		Payload:        payload,
	})
}

// acquire takes the per-bot operation slot.
func (o *Orchestrator) acquire(id string) (func(), error) {
	if _, loaded := o.inflight.LoadOrStore(id, struct{}{}); loaded {
		return nil, fmt.Errorf("bot %s: %w", id, models.ErrOperationInProgress)
	}
	return func() { o.inflight.Delete(id) }, nil
}

func (o *Orchestrator) failBot(id, reason string) {
	bot, err := o.registry.Transition(id, models.StateFailed, func(b *models.Bot) {
		b.LastError = reason
	})
	if err != nil {
		if !errors.Is(err, models.ErrIllegalTransition) {
			o.logger.Sugar().Errorf("Failed to mark bot %s as FAILED: %v", id, err)
		}
		return
	}
	o.mirror(bot)
}

func (o *Orchestrator) terminateHandle(ctx context.Context, id string) {
	v, ok := o.handles.LoadAndDelete(id)
	if !ok {
		return
	}
	h := v.(*supervisor.Handle)
	if err := o.supervisor.Terminate(ctx, h); err != nil {
		o.logger.Sugar().Errorf("Failed to terminate process for bot %s: %v", id, err)
	}
}

func (o *Orchestrator) addWaiter(id string, target models.LifecycleState) *stateWaiter {
	w := &stateWaiter{target: target, ch: make(chan struct{}, 1)}
	o.waiterMu.Lock()
	o.waiters[id] = append(o.waiters[id], w)
	o.waiterMu.Unlock()
	return w
}

func (o *Orchestrator) removeWaiter(id string, w *stateWaiter) {
	o.waiterMu.Lock()
	defer o.waiterMu.Unlock()
	list := o.waiters[id]
	for i, cand := range list {
		if cand == w {
			o.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(o.waiters[id]) == 0 {
		delete(o.waiters, id)
	}
}

func (o *Orchestrator) notifyWaiters(id string, state models.LifecycleState) {
	o.waiterMu.Lock()
	defer o.waiterMu.Unlock()
	for _, w := range o.waiters[id] {
		if w.target == state {
			select {
			case w.ch <- struct{}{}:
			default:
			}
		}
	}
}

func (o *Orchestrator) mirror(bot *models.Bot) {
	if o.store == nil {
		return
	}
	if err := o.store.PersistBotState(bot); err != nil {
		o.logger.Sugar().Errorf("Failed to mirror bot %s state to storage: %v", bot.ID, err)
	}
}
