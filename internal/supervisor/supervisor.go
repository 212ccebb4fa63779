// Package supervisor wires ControlListener, RpcListener, and ServerManager
// into one daemon lifecycle: pid file, boot, signal-driven shutdown, and
// socket/pid cleanup (spec.md §4.9).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/bridge"
	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/layout"
	"github.com/mcpcenter/mcpcenter/internal/project"
	"github.com/mcpcenter/mcpcenter/internal/rpcserver"
	"github.com/mcpcenter/mcpcenter/internal/servermanager"
)

// DrainDeadline bounds how long Run waits for every ManagedBackend to shut
// down once shutdown begins. In-flight bridge/rpc connections are not
// waited for.
const DrainDeadline = 10 * time.Second

// ExitCode mirrors the process contract in spec.md §6.
type ExitCode int

const (
	ExitClean           ExitCode = 0
	ExitStartupFailure  ExitCode = 1
	ExitRuntimeFailure  ExitCode = 2
)

// Supervisor owns the daemon's process-level lifecycle for one root.
type Supervisor struct {
	layout *layout.Layout
	log    zerolog.Logger

	pidLock *flock.Flock

	manager      *servermanager.Manager
	registry     *project.Registry
	control      *bridge.Listener
	rpc          *rpcserver.Listener
}

// New constructs a Supervisor rooted at l, without yet touching disk.
func New(l *layout.Layout, log zerolog.Logger) *Supervisor {
	return &Supervisor{layout: l, log: log}
}

// acquirePidFile takes an exclusive, non-blocking lock on the pid file and
// writes this process's pid into it. Returns ErrBridgeSocketBusy-flavored
// error (via errs.ErrInternal) if another live daemon already holds it.
func (s *Supervisor) acquirePidFile() error {
	path := s.layout.PidFilePath()
	lock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "acquiring pid file lock", err)
	}
	if !ok {
		return errs.NewError(errs.ErrInternal, "another mcp-center daemon already holds "+path, nil)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return errs.Wrap(errs.ErrInternal, "writing pid file", err)
	}

	s.pidLock = lock
	return nil
}

// Run performs the full daemon lifecycle: acquire the pid file, boot every
// configured backend, start both listeners, and block until ctx is
// cancelled or an OS shutdown signal arrives. It always attempts cleanup
// before returning, logging (not failing on) partial cleanup errors.
func (s *Supervisor) Run(ctx context.Context) ExitCode {
	if err := s.layout.EnsureDirs(); err != nil {
		s.log.Error().Err(err).Msg("failed to prepare root directory")
		return ExitStartupFailure
	}
	if err := s.acquirePidFile(); err != nil {
		s.log.Error().Err(err).Msg("failed to acquire pid file")
		return ExitStartupFailure
	}
	defer s.cleanupPidFile()

	registry, err := project.New(s.layout, s.log.With().Str("component", "project_registry").Logger())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to open project registry")
		return ExitStartupFailure
	}
	defer registry.Close()
	s.registry = registry

	store := configstore.New(s.layout)
	manager := servermanager.New(store, s.log.With().Str("component", "server_manager").Logger())
	s.manager = manager

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := manager.Boot(runCtx); err != nil {
		s.log.Error().Err(err).Msg("failed to load backend definitions")
		return ExitStartupFailure
	}

	control, err := bridge.NewListener(s.layout.ControlSocketPath(), manager, registry, s.log.With().Str("component", "control_listener").Logger())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to bind control socket")
		return ExitStartupFailure
	}
	s.control = control
	defer s.removeSocket(s.layout.ControlSocketPath())

	rpc, err := rpcserver.NewListener(s.layout.RPCSocketPath(), manager, registry, s.log.With().Str("component", "rpc_listener").Logger())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to bind rpc socket")
		return ExitStartupFailure
	}
	s.rpc = rpc
	defer s.removeSocket(s.layout.RPCSocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErrs := make(chan error, 2)
	go func() { serveErrs <- control.Serve(runCtx) }()
	go func() { serveErrs <- rpc.Serve(runCtx) }()

	s.log.Info().Str("root", s.layout.Root).Msg("mcp-center daemon ready")

	select {
	case <-ctx.Done():
	case <-sigCh:
		s.log.Info().Msg("shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			s.log.Error().Err(err).Msg("a listener stopped unexpectedly")
			cancelRun()
			s.drainAndShutdown(manager)
			return ExitRuntimeFailure
		}
	}

	cancelRun()
	s.drainAndShutdown(manager)
	return ExitClean
}

// drainAndShutdown gives the listeners' Accept loops a moment to stop, then
// shuts down every ManagedBackend, waiting up to DrainDeadline for that to
// finish. It does not track or wait for in-flight bridge sessions or tool
// calls.
func (s *Supervisor) drainAndShutdown(manager *servermanager.Manager) {
	time.Sleep(50 * time.Millisecond) // give runCtx cancellation time to propagate to Accept loops

	done := make(chan struct{})
	go func() {
		for _, b := range manager.ListAll() {
			if err := b.Shutdown(context.Background()); err != nil {
				s.log.Warn().Err(err).Str("backend_id", b.Definition().ID).Msg("backend shutdown returned an error")
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(DrainDeadline):
		s.log.Warn().Msg("drain deadline exceeded, exiting with backends still shutting down")
	}
}

func (s *Supervisor) removeSocket(path string) {
	if strings.HasPrefix(path, `\\.\pipe\`) {
		return // named pipes have no filesystem entry to remove
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove socket file during cleanup")
	}
}

func (s *Supervisor) cleanupPidFile() {
	if s.pidLock != nil {
		if err := s.pidLock.Unlock(); err != nil {
			s.log.Warn().Err(err).Msg("failed to release pid file lock")
		}
	}
	if err := os.Remove(s.layout.PidFilePath()); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Msg("failed to remove pid file")
	}
}

// String formats an ExitCode as the fmt.Stringer cobra's RunE wants to log.
func (c ExitCode) String() string {
	switch c {
	case ExitClean:
		return "clean shutdown"
	case ExitStartupFailure:
		return "startup failure"
	case ExitRuntimeFailure:
		return "runtime failure"
	default:
		return fmt.Sprintf("exit code %d", int(c))
	}
}
