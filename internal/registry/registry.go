package registry

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"tradefleet/internal/models"
	"tradefleet/internal/persistence"

	"go.uber.org/zap"
)

// lockStripes bounds the number of per-bot mutexes. Bots hash onto a stripe,
// so two bots may occasionally share a lock but a single bot's mutations are
// always serialized.
const lockStripes = 64

// Registry is the authoritative in-memory view of every managed bot, backed
// by a write-ahead repository: a mutation is persisted before it becomes
// visible to readers, so a restart never observes a state the durable store
// has not seen.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*models.Bot

	stripes [lockStripes]sync.Mutex

	repo   persistence.Repository
	logger *zap.Logger
}

// NewRegistry creates an empty registry. repo may be nil, in which case
// mutations are memory-only (used by backtests and tests).
func NewRegistry(repo persistence.Repository, logger *zap.Logger) *Registry {
	return &Registry{
		bots:   make(map[string]*models.Bot),
		repo:   repo,
		logger: logger,
	}
}

// Load repopulates the registry from the repository. Bots that were Running
// or Starting when the process died are marked Failed so the orchestrator's
// restart policy can pick them up.
func (r *Registry) Load() error {
	if r.repo == nil {
		return nil
	}

	bots, err := r.repo.LoadBots()
	if err != nil {
		return fmt.Errorf("failed to load bots from repository: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, bot := range bots {
		switch bot.State {
		case models.StateRunning, models.StateStarting, models.StateStopping:
			prior := bot.State
			bot.State = models.StateFailed
			bot.LastError = "process restarted while bot was active"
			r.logger.Sugar().Warnf("Bot %s was %s at shutdown, marking as FAILED for recovery.", bot.ID, prior)
		}
		r.bots[bot.ID] = bot
	}

	r.logger.Sugar().Infof("Registry loaded %d bot(s) from repository.", len(bots))
	return nil
}

func (r *Registry) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.stripes[h.Sum32()%lockStripes]
}

// Create registers a new bot in the Created state. It fails if the ID is
// already taken.
func (r *Registry) Create(bot *models.Bot) error {
	lock := r.stripe(bot.ID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	_, exists := r.bots[bot.ID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("bot %s already exists: %w", bot.ID, models.ErrInvalidSpec)
	}

	bot.State = models.StateCreated
	bot.CreatedAt = time.Now()

	if err := r.persist(bot); err != nil {
		return err
	}

	r.mu.Lock()
	r.bots[bot.ID] = bot.Clone()
	r.mu.Unlock()
	return nil
}

// Get returns a deep copy of one bot for safe concurrent reading.
func (r *Registry) Get(id string) (*models.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bot, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, models.ErrNotFound)
	}
	return bot.Clone(), nil
}

// List returns deep copies of all bots, ordered by ID for stable output.
func (r *Registry) List() []*models.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		out = append(out, bot.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transition moves a bot to a new lifecycle state, enforcing the legal
// transition table. mutate, when non-nil, runs on the bot under the same
// lock so sequence bumps and error messages land atomically with the state
// change. The updated record is persisted before the in-memory view changes.
func (r *Registry) Transition(id string, to models.LifecycleState, mutate func(*models.Bot)) (*models.Bot, error) {
	lock := r.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, models.ErrNotFound)
	}

	if !models.CanTransition(current.State, to) {
		return nil, fmt.Errorf("bot %s cannot transition %s -> %s: %w", id, current.State, to, models.ErrIllegalTransition)
	}

	updated := current.Clone()
	updated.State = to
	if to != models.StateFailed {
		updated.LastError = ""
	}
	if mutate != nil {
		mutate(updated)
	}

	if err := r.persist(updated); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bots[id] = updated
	r.mu.Unlock()

	r.logger.Sugar().Infof("Bot %s transitioned %s -> %s.", id, current.State, to)
	return updated.Clone(), nil
}

// Update applies an arbitrary mutation that does not change lifecycle state,
// e.g. heartbeat timestamps or parameter updates.
func (r *Registry) Update(id string, mutate func(*models.Bot)) (*models.Bot, error) {
	lock := r.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, models.ErrNotFound)
	}

	updated := current.Clone()
	mutate(updated)
	updated.State = current.State // lifecycle changes must go through Transition

	if err := r.persist(updated); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bots[id] = updated
	r.mu.Unlock()
	return updated.Clone(), nil
}

// Delete removes a bot from the registry and the repository. Only terminal
// bots (Stopped, Failed, Created) may be deleted.
func (r *Registry) Delete(id string) error {
	lock := r.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bot %s: %w", id, models.ErrNotFound)
	}

	switch current.State {
	case models.StateCreated, models.StateStopped, models.StateFailed:
	default:
		return fmt.Errorf("bot %s is %s and cannot be deleted: %w", id, current.State, models.ErrIllegalTransition)
	}

	if r.repo != nil {
		if err := r.repo.DeleteBot(id); err != nil {
			return fmt.Errorf("failed to delete bot %s from repository: %w", id, err)
		}
	}

	r.mu.Lock()
	delete(r.bots, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) persist(bot *models.Bot) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.SaveBot(bot); err != nil {
		r.logger.Sugar().Errorf("CRITICAL: Failed to save bot %s: %v", bot.ID, err)
		return fmt.Errorf("failed to persist bot %s: %w", bot.ID, err)
	}
	return nil
}
