package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

type RunState int

const (
	Idle RunState = iota
	Starting
	Running
	Stopping
	Stopped
	TimedOut
	Restarting
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case TimedOut:
		return "timeout"
	case Restarting:
		return "restarting"
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

var transitions = map[RunState][]RunState{
	Idle:       {Starting},
	Starting:   {Running, Stopping, Stopped},
	Running:    {Stopping, Stopped, Restarting, TimedOut},
	Stopping:   {Stopped},
	Stopped:    {Starting},
	TimedOut:   {Starting, Stopping, Stopped},
	Restarting: {Starting, Stopping, Stopped},
}

func canTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Process is one running incarnation of a supervised program
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts a new incarnation and returns once it is running
type Spawner func(ctx context.Context) (Process, error)

type SupervisorOptions struct {
	KeepAlive   bool
	MaxRestarts int
	Backoff     time.Duration
	Grace       time.Duration
	// OnExit is called when the process ends for good without a Stop
	OnExit func(err error)
}

// Supervisor runs one external process through its lifecycle. All state
// transitions go through the table above under a single lock.
type Supervisor struct {
	name    string
	spawn   Spawner
	syncSvc syncbus.IService
	opts    SupervisorOptions

	mu        sync.Mutex
	state     RunState
	proc      Process
	exited    chan struct{}
	// spawned is closed once the pending spawn has settled
	spawned   chan struct{}
	restarts  int
	startedAt time.Time
	ctx       context.Context
}

func NewSupervisor(name string, spawn Spawner, syncSvc syncbus.IService, opts SupervisorOptions) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Supervisor{
		name:    name,
		spawn:   spawn,
		syncSvc: syncSvc,
		opts:    opts,
		state:   Idle,
	}
}

func (s *Supervisor) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState must be called with mu held
func (s *Supervisor) setState(to RunState) bool {
	if !canTransition(s.state, to) {
		lgr.Logger.Warn("invalid supervisor transition",
			slog.String("name", s.name),
			slog.String("from", s.state.String()),
			slog.String("to", to.String()),
		)
		return false
	}
	lgr.Logger.Debug("supervisor transition",
		slog.String("name", s.name),
		slog.String("from", s.state.String()),
		slog.String("to", to.String()),
	)
	s.state = to
	return true
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.setState(Starting) {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.name, ErrAlreadyRunning)
	}
	s.restarts = 0
	// the process outlives the caller's request
	s.ctx = context.WithoutCancel(ctx)
	spawned := make(chan struct{})
	s.spawned = spawned
	s.mu.Unlock()

	return s.start(spawned)
}

// start spawns a process with the state already at Starting. A Stop that
// lands during the spawn moves the state to Stopping and waits on spawned.
func (s *Supervisor) start(spawned chan struct{}) error {
	defer close(spawned)

	proc, err := s.spawn(s.ctx)
	if err != nil {
		s.mu.Lock()
		stopping := s.state == Stopping
		s.setState(Stopped)
		s.mu.Unlock()

		if stopping {
			s.status()
			return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
		}

		lgr.Logger.Error("failed to spawn process",
			slog.String("name", s.name),
			slog.Any("error", err),
		)
		notify(s.ctx, s.syncSvc, syncbus.CmdError, fmt.Sprintf("%s: failed to spawn process: %v", s.name, err))
		return fmt.Errorf("%s: %w: %v", s.name, ErrSpawnFailure, err)
	}

	s.mu.Lock()
	if s.state == Stopping {
		s.mu.Unlock()

		lgr.Logger.Info("stopped while spawning, killing process",
			slog.String("name", s.name),
			slog.Int("pid", proc.Pid()),
		)
		_ = proc.Kill()
		_ = proc.Wait()

		s.mu.Lock()
		s.setState(Stopped)
		s.mu.Unlock()
		s.status()
		return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
	}
	s.setState(Running)
	exited := make(chan struct{})
	s.proc = proc
	s.exited = exited
	s.startedAt = time.Now()
	s.mu.Unlock()

	lgr.Logger.Info("process started",
		slog.String("name", s.name),
		slog.Int("pid", proc.Pid()),
	)
	s.status()

	go s.wait(proc, exited)
	return nil
}

func (s *Supervisor) wait(proc Process, exited chan struct{}) {
	err := proc.Wait()
	close(exited)
	s.onExit(proc, err)
}

func (s *Supervisor) onExit(proc Process, err error) {
	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil

	lgr.Logger.Info("process exited",
		slog.String("name", s.name),
		slog.String("state", s.state.String()),
		slog.Any("error", err),
	)

	switch s.state {
	case Stopping, TimedOut:
		// Stop and Timeout own the transition
		s.mu.Unlock()
		return

	case Restarting:
		s.mu.Unlock()
		go s.respawn()
		return

	case Running:
		if s.opts.KeepAlive && s.restarts < s.opts.MaxRestarts {
			s.setState(Restarting)
			s.mu.Unlock()
			s.status()
			go s.respawn()
			return
		}
		s.setState(Stopped)
		s.mu.Unlock()

		s.status()
		if s.opts.OnExit != nil {
			s.opts.OnExit(err)
		}
		return
	}

	s.mu.Unlock()
}

func (s *Supervisor) respawn() {
	time.Sleep(s.opts.Backoff)

	s.mu.Lock()
	if s.state != Restarting || !s.setState(Starting) {
		s.mu.Unlock()
		return
	}
	s.restarts++
	spawned := make(chan struct{})
	s.spawned = spawned
	s.mu.Unlock()

	err := s.start(spawned)
	if err != nil && !errors.Is(err, ErrNotRunning) && s.opts.OnExit != nil {
		s.opts.OnExit(err)
	}
}

// Stop terminates the process, escalating to a kill after the grace period
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc, exited := s.proc, s.exited
	if proc == nil {
		switch s.state {
		case Restarting, TimedOut:
			// no process left but the run is still cancellable
			s.setState(Stopped)
			s.mu.Unlock()
			s.status()
			return nil

		case Starting:
			// start sees Stopping once the spawn returns and kills what it got
			s.setState(Stopping)
			spawned := s.spawned
			s.mu.Unlock()

			select {
			case <-spawned:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
	}
	s.setState(Stopping)
	s.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		lgr.Logger.Debug("sigterm failed", slog.String("name", s.name), slog.Any("error", err))
	}

	select {
	case <-exited:
	case <-time.After(s.opts.Grace):
		lgr.Logger.Warn("process did not exit in time, killing",
			slog.String("name", s.name),
			slog.Duration("grace", s.opts.Grace),
		)
		_ = proc.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
			s.stopped(proc)
			return ctx.Err()
		}
	case <-ctx.Done():
		_ = proc.Kill()
		s.stopped(proc)
		return ctx.Err()
	}

	s.stopped(proc)
	return nil
}

// stopped completes a Stop of proc. A killed process that has not been reaped
// yet is left to the wait goroutine.
func (s *Supervisor) stopped(proc Process) {
	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	if s.state == Stopping {
		s.setState(Stopped)
	}
	s.mu.Unlock()

	s.status()
}

// Restart kills the current process and spawns a new one
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || !s.setState(Restarting) {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
	}
	s.mu.Unlock()

	s.status()
	return proc.Kill()
}

// Timeout abandons a start that never completed its handshake
func (s *Supervisor) Timeout() error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || !s.setState(TimedOut) {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
	}
	s.mu.Unlock()

	s.status()
	return proc.Kill()
}

// ChannelLost handles the loss of a channel the frame flow depends on. While
// running it is treated like an unexpected exit of proc.
func (s *Supervisor) ChannelLost(proc Process, channel string, err error) {
	s.mu.Lock()
	current := s.proc == proc && s.state == Running
	s.mu.Unlock()

	lgr.Logger.Warn("process channel lost",
		slog.String("name", s.name),
		slog.String("channel", channel),
		slog.Bool("running", current),
		slog.Any("error", err),
	)

	if current {
		_ = proc.Kill()
	}
}

func (s *Supervisor) Stats() model.SupervisorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.SupervisorStats{
		Name:      s.name,
		State:     s.state.String(),
		Restarts:  s.restarts,
		Timestamp: time.Now().Unix(),
	}
	if s.proc != nil {
		stats.Pid = s.proc.Pid()
		stats.Uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return stats
}

func (s *Supervisor) status() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	notify(ctx, s.syncSvc, syncbus.CmdStatus, s.Stats())
}

// notify sends a fire-and-forget event on the default channel
func notify(ctx context.Context, syncSvc syncbus.IService, cmd string, msg interface{}) {
	if syncSvc == nil {
		return
	}
	if err := syncSvc.Sync(ctx, "", syncbus.Event{Cmd: cmd, Msg: msg}); err != nil {
		lgr.Logger.Debug("sync event not delivered",
			slog.String("cmd", cmd),
			slog.Any("error", err),
		)
	}
}
