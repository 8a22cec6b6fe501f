package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExecSupervisor runs each agent as a child process of the orchestrator.
// The command template is split on whitespace; "{bot_id}" placeholders are
// substituted with the bot's ID, and the ID is also exported via the
// FLEET_BOT_ID environment variable.
type ExecSupervisor struct {
	command     []string
	gracePeriod time.Duration
	logger      *zap.Logger
}

// NewExecSupervisor builds a process supervisor from a command line template.
func NewExecSupervisor(command string, gracePeriod time.Duration, logger *zap.Logger) (*ExecSupervisor, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	return &ExecSupervisor{
		command:     parts,
		gracePeriod: gracePeriod,
		logger:      logger,
	}, nil
}

func (s *ExecSupervisor) Launch(ctx context.Context, botID string) (*Handle, error) {
	args := make([]string, len(s.command))
	for i, a := range s.command {
		args[i] = strings.ReplaceAll(a, "{bot_id}", botID)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "FLEET_BOT_ID="+botID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch agent for bot %s: %w", botID, err)
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Sugar().Warnf("Agent process for bot %s exited: %v", botID, err)
		}
	}()

	s.logger.Sugar().Infof("Launched agent for bot %s (pid %d).", botID, cmd.Process.Pid)
	return &Handle{BotID: botID, PID: cmd.Process.Pid}, nil
}

// Terminate sends SIGTERM, waits out the grace period, then SIGKILLs
// anything still alive.
func (s *ExecSupervisor) Terminate(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	if err := syscall.Kill(h.PID, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil // already gone
		}
		return fmt.Errorf("failed to signal agent for bot %s (pid %d): %w", h.BotID, h.PID, err)
	}

	deadline := time.After(s.gracePeriod)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			s.logger.Sugar().Warnf("Agent for bot %s did not exit within %s, killing pid %d.", h.BotID, s.gracePeriod, h.PID)
			if err := syscall.Kill(h.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("failed to kill agent for bot %s: %w", h.BotID, err)
			}
			return nil
		case <-ticker.C:
			if !s.IsAlive(h) {
				return nil
			}
		}
	}
}

// IsAlive probes the process with signal 0.
func (s *ExecSupervisor) IsAlive(h *Handle) bool {
	if h == nil {
		return false
	}
	return syscall.Kill(h.PID, 0) == nil
}
