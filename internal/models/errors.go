package models

import "errors"

// Error taxonomy. Callers branch with errors.Is; transient conditions are
// retried internally and only surfaced after the retry budget is exhausted.
var (
	// ErrInvalidSpec is a client input error. Surfaced immediately, never retried.
	ErrInvalidSpec = errors.New("invalid bot spec")

	// ErrStartTimeout means a bot never confirmed Running within the start deadline.
	ErrStartTimeout = errors.New("start timeout")

	// ErrForcedStop means a bot did not confirm Stopped and was terminated by
	// the supervisor. Operational, not fatal: the bot ends up Stopped.
	ErrForcedStop = errors.New("forced stop")

	// ErrOperationInProgress rejects a second start/stop on a bot mid-transition.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrIllegalTransition marks a state move that is not an edge of the
	// lifecycle graph. Dropped with a diagnostic, never crashes the orchestrator.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrQueueOverflow is a degraded-mode warning: the broker dropped the
	// oldest queued message to make room.
	ErrQueueOverflow = errors.New("broker queue overflow")

	// ErrInsufficientData means fewer candles than the strategy warm-up
	// window. An expected condition, not an error in the failure sense.
	ErrInsufficientData = errors.New("insufficient data for warm-up")

	// ErrRateLimited is returned by the market data provider; retryable.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound covers unknown bots, markets and order book snapshots.
	ErrNotFound = errors.New("not found")
)
