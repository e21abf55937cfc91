package broker

import (
	"context"

	"github.com/meridianhq/meridian/internal/sandbox"
	"github.com/meridianhq/meridian/internal/transport"
)

// AgentLauncher is the seam between the broker and the two ways it can
// start an agent turn (direct subprocess vs. sandboxed), mirroring the
// swarm.AgentInvoker testability pattern: tests substitute a fake launcher
// returning a scripted transport.Stream instead of spawning a real binary.
type AgentLauncher interface {
	LaunchDirect(ctx context.Context, cfg transport.Config, prompt string) (transport.Stream, error)
	LaunchSandboxed(ctx context.Context, sessionID string, cfg sandbox.Config, prompt string) (stream transport.Stream, locked bool, err error)
}

// defaultLauncher wires LaunchDirect/LaunchSandboxed straight through to
// transport.Launch and the sandbox Supervisor.
type defaultLauncher struct {
	sandboxSup *sandbox.Supervisor
}

func (l *defaultLauncher) LaunchDirect(ctx context.Context, cfg transport.Config, prompt string) (transport.Stream, error) {
	sess, err := transport.Launch(ctx, cfg, prompt)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (l *defaultLauncher) LaunchSandboxed(ctx context.Context, sessionID string, cfg sandbox.Config, prompt string) (transport.Stream, bool, error) {
	return l.sandboxSup.Ensure(ctx, sessionID, cfg, prompt)
}
