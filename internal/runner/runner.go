package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradefleet/internal/broker"
	"tradefleet/internal/gateway"
	"tradefleet/internal/marketdata"
	"tradefleet/internal/models"
	"tradefleet/internal/storage"
	"tradefleet/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options configures one agent instance.
type Options struct {
	BotID             string
	Strategy          string
	StrategyVersion   string
	Market            string
	Interval          time.Duration
	HeartbeatInterval time.Duration
	SizeQuote         decimal.Decimal // quote-currency notional per entry
}

// Runner is the in-process bot agent. It listens on its command topic,
// applies commands idempotently by sequence number, reports state and
// heartbeats on its status topic, and when running drives its strategy
// against live market data through the gateway.
type Runner struct {
	opts       Options
	broker     broker.Broker
	gateway    gateway.Gateway
	strategies *strategy.Registry
	provider   marketdata.Provider
	store      *storage.Store // may be nil
	logger     *zap.Logger

	mu          sync.Mutex
	state       models.LifecycleState
	lastApplied uint64
	seenKeys    map[string]struct{}
	strat       strategy.Strategy
	stratState  *strategy.State
	position    models.Direction
	entryPrice  decimal.Decimal
	entryTime   time.Time

	cmdSub   broker.Subscription
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	seq      uint64 // outbound status sequence
}

// New creates an agent in the Starting state.
func New(opts Options, brk broker.Broker, gw gateway.Gateway, strategies *strategy.Registry, provider marketdata.Provider, store *storage.Store, logger *zap.Logger) *Runner {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.SizeQuote.IsZero() {
		opts.SizeQuote = decimal.NewFromInt(100)
	}
	return &Runner{
		opts:       opts,
		broker:     brk,
		gateway:    gw,
		strategies: strategies,
		provider:   provider,
		store:      store,
		logger:     logger,
		state:      models.StateStarting,
		seenKeys:   make(map[string]struct{}),
		position:   models.Flat,
		stopChan:   make(chan struct{}),
	}
}

// Run blocks until the agent is told to stop or the context ends.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.broker.Subscribe(models.CommandTopic(r.opts.BotID), r.onCommandEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to command topic: %w", err)
	}
	r.cmdSub = sub

	r.wg.Add(1)
	go r.heartbeatLoop()

	r.logger.Sugar().Infof("Agent for bot %s is up, awaiting start command.", r.opts.BotID)

	select {
	case <-ctx.Done():
		r.Stop()
	case <-r.stopChan:
	}
	r.wg.Wait()
	return nil
}

// Stop shuts the agent down, reporting Stopped if it was running.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		if r.state == models.StateRunning || r.state == models.StateStopping {
			r.state = models.StateStopped
		}
		state := r.state
		r.mu.Unlock()

		r.publishStatus(state, "")
		if r.cmdSub != nil {
			r.cmdSub.Unsubscribe()
		}
		close(r.stopChan)
		r.logger.Sugar().Infof("Agent for bot %s stopped.", r.opts.BotID)
	})
}

func (r *Runner) onCommandEnvelope(env broker.Envelope) {
	var cmd models.Command
	if err := models.UnmarshalPayload(env.Payload, &cmd); err != nil {
		r.logger.Sugar().Warnf("Failed to decode command on %s: %v", env.Topic, err)
		return
	}
	r.handleCommand(cmd)
}

// handleCommand applies a command at most once: anything with a sequence at
// or below the last applied one, or a repeated idempotency key, is a no-op.
func (r *Runner) handleCommand(cmd models.Command) {
	r.mu.Lock()
	if cmd.Sequence <= r.lastApplied {
		r.mu.Unlock()
		r.logger.Sugar().Infof("Ignoring duplicate command %s (seq %d <= %d).", cmd.Type, cmd.Sequence, r.lastApplied)
		return
	}
	if _, seen := r.seenKeys[cmd.IdempotencyKey]; seen && cmd.IdempotencyKey != "" {
		r.mu.Unlock()
		r.logger.Sugar().Infof("Ignoring redelivered command %s (key %s).", cmd.Type, cmd.IdempotencyKey)
		return
	}
	r.lastApplied = cmd.Sequence
	if cmd.IdempotencyKey != "" {
		r.seenKeys[cmd.IdempotencyKey] = struct{}{}
	}
	r.mu.Unlock()

	switch cmd.Type {
	case models.CommandStart:
		r.applyStart(cmd)
	case models.CommandStop:
		r.mu.Lock()
		r.state = models.StateStopping
		r.mu.Unlock()
		r.Stop()
	case models.CommandUpdateParams:
		r.applyUpdateParams(cmd)
	default:
		r.logger.Sugar().Warnf("Unknown command type %q dropped.", cmd.Type)
	}
}

func (r *Runner) applyStart(cmd models.Command) {
	// Strategy selection comes from the launch configuration; the start
	// command carries only the numeric parameter set.
	name, version := r.opts.Strategy, r.opts.StrategyVersion
	if name == "" {
		name, version = "bollinger", "1"
	}

	strat, err := r.strategies.New(name, version, cmd.Params)
	if err != nil {
		r.logger.Sugar().Errorf("Failed to build strategy for bot %s: %v", r.opts.BotID, err)
		r.mu.Lock()
		r.state = models.StateFailed
		r.mu.Unlock()
		r.publishStatus(models.StateFailed, err.Error())
		return
	}

	r.mu.Lock()
	r.strat = strat
	r.stratState = strategy.NewState()
	r.state = models.StateRunning
	r.mu.Unlock()

	if r.provider != nil {
		r.wg.Add(1)
		go r.tradingLoop()
	}
	r.publishStatus(models.StateRunning, "")
	r.logger.Sugar().Infof("Bot %s is running strategy %s@%s.", r.opts.BotID, strat.Name(), strat.Version())
}

func (r *Runner) applyUpdateParams(cmd models.Command) {
	r.mu.Lock()
	current := r.strat
	r.mu.Unlock()
	if current == nil {
		r.logger.Sugar().Warnf("update_params before start for bot %s dropped.", r.opts.BotID)
		return
	}

	strat, err := r.strategies.New(current.Name(), current.Version(), cmd.Params)
	if err != nil {
		r.logger.Sugar().Errorf("Rejected parameter update for bot %s: %v", r.opts.BotID, err)
		return
	}

	r.mu.Lock()
	r.strat = strat
	// Indicator state carries over; the new parameters apply from the
	// next signal on.
	r.mu.Unlock()
	r.logger.Sugar().Infof("Bot %s parameters updated.", r.opts.BotID)
}

func (r *Runner) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.mu.Lock()
			state := r.state
			r.mu.Unlock()
			r.publishStatus(state, "")
		}
	}
}

// tradingLoop polls recent candles each interval and trades direction
// changes through the gateway.
func (r *Runner) tradingLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.step(); err != nil {
				r.logger.Sugar().Warnf("Trading step for bot %s failed: %v", r.opts.BotID, err)
			}
		}
	}
}

func (r *Runner) step() error {
	r.mu.Lock()
	strat := r.strat
	state := r.stratState
	r.mu.Unlock()
	if strat == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	to := time.Now()
	from := to.Add(-time.Duration(strat.WarmUp()+2) * r.opts.Interval)
	candles, err := r.provider.FetchCandles(ctx, r.opts.Market, r.opts.Interval, from, to)
	if err != nil {
		return err
	}
	if len(candles) < strat.WarmUp() {
		return nil // warm-up, expected
	}

	signal, err := strat.ComputeSignal(candles, state)
	if err != nil {
		return err
	}

	r.mu.Lock()
	current := r.position
	r.mu.Unlock()
	if signal.Direction == current {
		return nil
	}

	price := candles[len(candles)-1].Close
	if err := r.executeFlip(ctx, current, signal, price); err != nil {
		return err
	}
	return nil
}

// executeFlip closes the current side (if any) and opens the new one.
func (r *Runner) executeFlip(ctx context.Context, current models.Direction, signal models.TradeSignal, price decimal.Decimal) error {
	now := time.Now()

	if current != models.Flat {
		size := r.opts.SizeQuote.Div(r.entryPrice)
		if _, err := r.gateway.SubmitOrder(ctx, gateway.OrderSpec{
			Market:    r.opts.Market,
			Direction: opposite(current),
			Size:      size,
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("failed to close %s position: %w", current, err)
		}
		r.recordTrade(current, price, now)
	}

	if signal.Direction != models.Flat {
		size := r.opts.SizeQuote.Div(price)
		if _, err := r.gateway.SubmitOrder(ctx, gateway.OrderSpec{
			Market:    r.opts.Market,
			Direction: signal.Direction,
			Size:      size,
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("failed to open %s position: %w", signal.Direction, err)
		}
		r.mu.Lock()
		r.entryPrice = price
		r.entryTime = now
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.position = signal.Direction
	r.mu.Unlock()
	return nil
}

func (r *Runner) recordTrade(direction models.Direction, exitPrice decimal.Decimal, exitTime time.Time) {
	if r.store == nil || r.entryPrice.IsZero() {
		return
	}

	size := r.opts.SizeQuote.Div(r.entryPrice)
	pnl := size.Mul(exitPrice.Sub(r.entryPrice))
	if direction == models.Short {
		pnl = size.Mul(r.entryPrice.Sub(exitPrice))
	}

	trade := &models.SimulatedTrade{
		Market:     r.opts.Market,
		Direction:  direction,
		EntryTime:  r.entryTime,
		ExitTime:   exitTime,
		EntryPrice: r.entryPrice,
		ExitPrice:  exitPrice,
		Size:       size,
		PnL:        pnl,
		ExitReason: models.ExitSignal,
	}
	if err := r.store.PersistTrade(trade); err != nil {
		r.logger.Sugar().Errorf("Failed to persist trade for bot %s: %v", r.opts.BotID, err)
	}
}

func (r *Runner) publishStatus(state models.LifecycleState, errMsg string) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	event := models.StatusEvent{
		BotID:     r.opts.BotID,
		State:     state,
		Sequence:  seq,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	payload, err := models.MarshalPayload(event)
	if err != nil {
		r.logger.Sugar().Errorf("Failed to encode status event: %v", err)
		return
	}
	if err := r.broker.Publish(broker.Envelope{
		Topic:     models.StatusTopic(r.opts.BotID),
		Sequence:  seq,
		Timestamp: event.Timestamp,
		Payload:   payload,
	}); err != nil {
		r.logger.Sugar().Warnf("Failed to publish status for bot %s: %v", r.opts.BotID, err)
	}
}

func opposite(d models.Direction) models.Direction {
	if d == models.Long {
		return models.Short
	}
	return models.Long
}
