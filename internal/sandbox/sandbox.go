// Package sandbox is the Sandbox Supervisor (C3): per-session container
// lifecycle over the Docker Engine API, an idle reaper, lock-on-exit, and
// an active-query refcount that keeps a sandbox alive while a query is
// in flight.
//
// The cache is grounded on the teacher's pkg/mcp/client.go connection
// cache — a mutex-guarded map keyed by an external identifier, reused when
// present and lazily constructed otherwise — generalized from MCP server
// sessions to Docker containers. Container lifecycle calls themselves are
// grounded on test/util/database.go's use of testcontainers-go, which
// drives the same Docker Engine API this package calls directly.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	units "github.com/docker/go-units"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/transport"
)

// Profile is the subset of a sandbox profile a container needs to start,
// decoupled from internal/config so this package does not import it
// directly (config.SandboxProfileConfig is adapted into this at the call
// site).
type Profile struct {
	Image       string
	CPULimit    string
	MemoryLimit string
	Env         map[string]string
}

// Config is everything ensure needs to construct or refresh one session's
// sandbox, per spec.md §4.3's "construct a runner with the session's
// config" list.
type Config struct {
	WorkingDir      string
	SystemPrompt    string
	Model           string
	ThinkingBudget  int
	AllowedTools    []string
	ResumeSessionID string
	MountType       model.SandboxMountType
	NetworkMode     model.NetworkMode
	Plugins         []string
	Env             map[string]string
	Profile         Profile

	// AgentCommand/AgentArgs is the agent-backend binary's entrypoint
	// inside the container image.
	AgentCommand string
	AgentArgs    []string

	// ContainerWorkdir is the mount target inside the container (e.g.
	// "/workspace"); WorkingDir is bind- or copy-mounted there according
	// to MountType.
	ContainerWorkdir string
}

// entry is one cached SandboxSession, per spec.md §3.
type entry struct {
	runner          transport.Stream
	containerID     string
	claudeSessionID string
	createdAt       time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	locked        bool
	activeQueries int32
}

// Supervisor owns the cache of SandboxSessions for every session_id with an
// active or recently-active sandbox.
type Supervisor struct {
	docker      *dockerclient.Client
	idleTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// onLock persists is_locked = true for sessionID in the store; nil in
	// tests that don't exercise persistence.
	onLock func(ctx context.Context, sessionID string) error

	// newRunner constructs a fresh sandboxed runner; defaults to
	// startContainer and is swapped out in tests that exercise cache/reaper
	// logic without a real Docker daemon.
	newRunner func(ctx context.Context, cfg Config, prompt string) (transport.Stream, string, error)
}

// NewSupervisor constructs a Supervisor. idleTimeout must be >= 30 minutes
// per spec.md §5 (the floor is enforced by internal/config's validator).
func NewSupervisor(docker *dockerclient.Client, idleTimeout time.Duration, onLock func(ctx context.Context, sessionID string) error) *Supervisor {
	s := &Supervisor{
		docker:      docker,
		idleTimeout: idleTimeout,
		logger:      slog.Default().With("component", "sandbox"),
		entries:     make(map[string]*entry),
		onLock:      onLock,
	}
	s.newRunner = s.startContainer
	return s
}

// Ensure implements spec.md §4.3's ensure semantics: reuse an unlocked
// entry, surface a locked one (evicting it from the cache and persisting
// the lock), or construct a new container runner.
func (s *Supervisor) Ensure(ctx context.Context, sessionID string, cfg Config, prompt string) (runner transport.Stream, locked bool, err error) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if ok && e.isLocked() {
		delete(s.entries, sessionID)
		s.mu.Unlock()
		if s.onLock != nil {
			if lerr := s.onLock(ctx, sessionID); lerr != nil {
				s.logger.Error("failed to persist lock for evicted sandbox", "session_id", sessionID, "error", lerr)
			}
		}
		return nil, true, nil
	}
	if ok {
		e.touch()
		s.mu.Unlock()
		return e.runner, false, nil
	}
	s.mu.Unlock()

	runner, containerID, err := s.newRunner(ctx, cfg, prompt)
	if err != nil {
		return nil, false, fmt.Errorf("sandbox: start container: %w", err)
	}

	newEntry := &entry{
		runner:          runner,
		containerID:     containerID,
		claudeSessionID: runner.SessionID(),
		createdAt:       time.Now(),
		lastActivity:    time.Now(),
	}

	s.mu.Lock()
	s.entries[sessionID] = newEntry
	s.mu.Unlock()

	return runner, false, nil
}

// IncrActiveQueries marks one query in flight against sessionID's sandbox,
// pinning it against the idle reaper.
func (s *Supervisor) IncrActiveQueries(sessionID string) {
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e != nil {
		atomic.AddInt32(&e.activeQueries, 1)
	}
}

// DecrActiveQueries releases one in-flight query, letting the reaper close
// the sandbox once it idles out.
func (s *Supervisor) DecrActiveQueries(sessionID string) {
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e != nil {
		atomic.AddInt32(&e.activeQueries, -1)
	}
}

// Close closes and evicts a cached sandbox explicitly, for the
// update_config "sandbox mode turned off" path. A no-op if no entry exists.
func (s *Supervisor) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.destroy(ctx, e)
}

// ReapTick runs one pass of the idle reaper over every cached entry, per
// spec.md §4.3.
func (s *Supervisor) ReapTick(ctx context.Context) {
	s.mu.Lock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.Unlock()

	for sessionID, e := range candidates {
		if atomic.LoadInt32(&e.activeQueries) > 0 {
			continue
		}
		e.mu.Lock()
		idleFor := time.Since(e.lastActivity)
		e.mu.Unlock()
		if idleFor < s.idleTimeout {
			continue
		}

		if err := s.destroy(ctx, e); err != nil {
			s.logger.Warn("best-effort sandbox teardown failed", "session_id", sessionID, "error", err)
		}
		e.mu.Lock()
		e.locked = true
		e.mu.Unlock()

		s.mu.Lock()
		delete(s.entries, sessionID)
		s.mu.Unlock()

		if s.onLock != nil {
			if err := s.onLock(ctx, sessionID); err != nil {
				s.logger.Error("failed to persist lock after idle reap", "session_id", sessionID, "error", err)
			}
		}
	}
}

// StartReaper runs ReapTick on interval until ctx is cancelled, mirroring
// the teacher's Worker.Start/Stop goroutine shape (SPEC_FULL.md §5).
func (s *Supervisor) StartReaper(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReapTick(ctx)
			}
		}
	}()
}

func (s *Supervisor) destroy(ctx context.Context, e *entry) error {
	closeErr := e.runner.Close()
	if s.docker == nil {
		return closeErr
	}
	stopTimeout := 5
	_ = s.docker.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &stopTimeout})
	if err := s.docker.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil {
		return err
	}
	return closeErr
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *entry) isLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// LockedError is returned by callers surfacing a discovered-locked sandbox
// to the client, per spec.md's "caller surfaces the lock to the client".
var LockedError = apperr.ErrLocked

func mountTarget(cfg Config) string {
	if cfg.ContainerWorkdir != "" {
		return cfg.ContainerWorkdir
	}
	return "/workspace"
}

func dockerNetworkMode(m model.NetworkMode) container.NetworkMode {
	switch m {
	case model.NetworkHost:
		return container.NetworkMode("host")
	default:
		return container.NetworkMode("bridge")
	}
}

func resources(p Profile) container.Resources {
	var res container.Resources
	if p.MemoryLimit != "" {
		if bytes, err := units.RAMInBytes(p.MemoryLimit); err == nil {
			res.Memory = bytes
		}
	}
	if p.CPULimit != "" {
		if cpus, err := strconv.ParseFloat(p.CPULimit, 64); err == nil {
			res.NanoCPUs = int64(cpus * 1e9)
		}
	}
	return res
}

func mergeEnv(profileEnv, sessionEnv map[string]string) []string {
	out := make([]string, 0, len(profileEnv)+len(sessionEnv))
	for k, v := range profileEnv {
		out = append(out, k+"="+v)
	}
	for k, v := range sessionEnv {
		out = append(out, k+"="+v)
	}
	return out
}

// startContainer creates, starts, and attaches to a new sandbox container,
// returning a transport.Stream over its stdio exactly as Launch returns one
// over a local subprocess's stdio (SPEC_FULL.md §4.3).
func (s *Supervisor) startContainer(ctx context.Context, cfg Config, prompt string) (transport.Stream, string, error) {
	target := mountTarget(cfg)

	var binds []string
	if cfg.MountType != model.MountNone && cfg.WorkingDir != "" {
		binds = []string{cfg.WorkingDir + ":" + target}
	}

	containerCfg := &container.Config{
		Image:        cfg.Profile.Image,
		Cmd:          append([]string{cfg.AgentCommand}, cfg.AgentArgs...),
		Env:          mergeEnv(cfg.Profile.Env, cfg.Env),
		WorkingDir:   target,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: dockerNetworkMode(cfg.NetworkMode),
		Resources:   resources(cfg.Profile),
		AutoRemove:  false,
	}

	created, err := s.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("container create: %w", err)
	}

	if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, created.ID, fmt.Errorf("container start: %w", err)
	}

	hijacked, err := s.docker.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, created.ID, fmt.Errorf("container attach: %w", err)
	}

	waitFn := func() error {
		statusCh, errCh := s.docker.ContainerWait(context.Background(), created.ID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			return err
		case st := <-statusCh:
			if st.StatusCode != 0 {
				return fmt.Errorf("container exited with status %d", st.StatusCode)
			}
			return nil
		}
	}
	kill := func() { _ = s.docker.ContainerKill(context.Background(), created.ID, "SIGKILL") }

	logger := slog.Default().With("component", "sandbox", "container_id", created.ID)
	stream, err := transport.NewSession(hijacked.Reader, hijacked.Conn, hijacked.Conn, kill, waitFn, prompt, logger)
	if err != nil {
		hijacked.Close()
		return nil, created.ID, err
	}
	return stream, created.ID, nil
}
