package supervisor

import "context"

// Handle identifies one launched agent process.
type Handle struct {
	BotID string
	PID   int
}

// Supervisor starts and stops the OS-level processes that host bot agents.
// The orchestrator treats agents as opaque: it only ever launches,
// terminates, and liveness-probes them, all coordination happens over the
// broker.
type Supervisor interface {
	// Launch starts a new agent process for the given bot and returns a
	// handle to it.
	Launch(ctx context.Context, botID string) (*Handle, error)

	// Terminate asks the agent to exit gracefully, escalating to a forced
	// kill after the configured grace period.
	Terminate(ctx context.Context, h *Handle) error

	// IsAlive reports whether the process behind the handle still exists.
	IsAlive(h *Handle) bool
}
