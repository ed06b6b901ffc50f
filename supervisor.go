package proxyvisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultGraceTimeout     = 100 * time.Millisecond
	defaultTerminateTimeout = 5 * time.Second
	defaultCommandQueue     = 64
)

// AllInstances is the stop target that means every running instance.
const AllInstances = "__ALL__"

var (
	ErrNoExecutable = errors.New("proxy executable not configured")
	ErrShuttingDown = errors.New("supervisor is shutting down")
	ErrReservedName = errors.New("instance name is reserved")
)

// Action is the verb of a Command.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// Command is a fire-and-forget request handled on the serialized command path.
// A start command carries either Spec or a raw Argv.
type Command struct {
	Action   Action   `json:"action"`
	Instance string   `json:"instance"`
	Spec     *ArgSpec `json:"spec,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Options configures a Supervisor.
type Options struct {
	// Executable is the proxy program spawned for every instance.
	Executable string
	// WorkDir is the private storage directory; children run in it with HOME
	// pointing at it.
	WorkDir string
	// ConfigDir holds <name>.json files for config-mode instances.
	ConfigDir string
	// EnvFiles are dotenv, JSON or YAML files merged into each child's
	// environment.
	EnvFiles []string
	// Env holds extra KEY=value entries applied last.
	Env []string

	GraceTimeout     time.Duration
	TerminateTimeout time.Duration
	CommandQueue     int

	Registry  Table
	Bus       *LogBus
	Lifecycle *Lifecycle
	Logger    *slog.Logger
}

// Supervisor starts, tracks and stops named instances of the proxy program.
type Supervisor struct {
	opts   Options
	reg    Table
	bus    *LogBus
	life   *Lifecycle
	logger *slog.Logger

	cmdLock  sync.Mutex
	commands chan Command
	closed   chan struct{}
	once     sync.Once
	relays   sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaultGraceTimeout
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = defaultTerminateTimeout
	}
	if opts.CommandQueue <= 0 {
		opts.CommandQueue = defaultCommandQueue
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = NewLogBus()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		reg:      opts.Registry,
		bus:      opts.Bus,
		life:     opts.Lifecycle,
		logger:   opts.Logger,
		commands: make(chan Command, opts.CommandQueue),
		closed:   make(chan struct{}),
	}
}

// Bus returns the bus LogEvents are published on.
func (s *Supervisor) Bus() *LogBus {
	return s.bus
}

// Running returns a snapshot of running instance names.
func (s *Supervisor) Running() []string {
	return s.reg.List()
}

// Instances returns a snapshot of running instances.
func (s *Supervisor) Instances() []InstanceInfo {
	snap := s.reg.Snapshot()
	out := make([]InstanceInfo, 0, len(snap))
	for _, inst := range snap {
		out = append(out, inst.info())
	}
	return out
}

// Instance describes the running instance called name.
func (s *Supervisor) Instance(name string) (InstanceInfo, bool) {
	inst, ok := s.reg.Get(SanitizeName(name))
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.info(), true
}

// Dispatch queues cmd for the command loop. It reports false when the queue
// is full or the supervisor is closed.
func (s *Supervisor) Dispatch(cmd Command) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.commands <- cmd:
		return true
	default:
		s.logger.Warn("Supervisor: command queue full, dropping command",
			slog.String("action", string(cmd.Action)), slog.String("instance", cmd.Instance))
		return false
	}
}

// Run executes dispatched commands one at a time until ctx is done or the
// supervisor is closed.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-s.commands:
			s.handle(cmd)
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Supervisor) handle(cmd Command) {
	switch cmd.Action {
	case ActionStart:
		if cmd.Spec != nil {
			s.StartSpec(cmd.Instance, *cmd.Spec)
		} else {
			s.Start(cmd.Instance, cmd.Argv)
		}
	case ActionStop:
		if cmd.Instance == AllInstances {
			s.StopAll()
		} else {
			s.Stop(cmd.Instance)
		}
	case ActionRestart:
		reason := cmd.Reason
		if reason == "" {
			reason = "manual"
		}
		s.Restart(cmd.Instance, reason)
	default:
		s.emit(SanitizeName(cmd.Instance), "", EventError, fmt.Sprintf("error: unknown command %q", cmd.Action))
	}
}

// StartSpec builds the argv for spec and starts the instance. A spec that
// cannot be built is reported on the log bus and nothing is spawned.
func (s *Supervisor) StartSpec(name string, spec ArgSpec) {
	name = SanitizeName(name)
	argv, err := spec.Build(s.opts.ConfigDir)
	if err != nil {
		spawnFailures.WithLabelValues("arguments").Inc()
		s.logger.Warn("Supervisor: invalid start arguments", slog.String("instance", name), slog.String("err", err.Error()))
		s.emit(name, "", EventError, "error: "+err.Error())
		return
	}
	s.start(name, argv, &spec)
}

// Start launches the proxy under name with argv. A live instance with the
// same name is fully stopped first. Failures are reported on the log bus.
func (s *Supervisor) Start(name string, argv []string) {
	s.start(SanitizeName(name), argv, nil)
}

func (s *Supervisor) start(name string, argv []string, spec *ArgSpec) {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()

	select {
	case <-s.closed:
		s.emit(name, "", EventError, "error: "+ErrShuttingDown.Error())
		return
	default:
	}
	if name == AllInstances {
		s.spawnFailed(name, "arguments", ErrReservedName)
		return
	}

	if _, ok := s.reg.Get(name); ok {
		// The registry is empty between stop and spawn when this is the only
		// instance.
		s.holdLifecycle()
		defer s.releaseLifecycle()
		s.stop(name)
	}
	s.spawn(name, argv, spec)
}

// Restart re-runs a running instance with the arguments it was started with.
func (s *Supervisor) Restart(name, reason string) {
	name = SanitizeName(name)
	inst, ok := s.reg.Get(name)
	if !ok {
		s.emit(name, "", EventError, "error: instance is not running")
		return
	}
	restartCounter.WithLabelValues(reason).Inc()
	s.logger.Info("Supervisor: restarting instance", slog.String("instance", name), slog.String("reason", reason))
	if inst.Spec != nil {
		spec := *inst.Spec
		s.StartSpec(name, spec)
		return
	}
	s.start(name, inst.Argv, nil)
}

// Stop terminates the named instance. Stopping an unknown name is a no-op
// that still reports "stopped".
func (s *Supervisor) Stop(name string) {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	s.stop(SanitizeName(name))
}

// StopAll stops every instance registered when it is called.
func (s *Supervisor) StopAll() {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	for _, name := range s.reg.List() {
		s.stop(name)
	}
	s.emit(SystemInstance, "", EventLifecycle, "all instances stopped")
}

// Close stops all instances, refuses further commands and waits for every
// relay to finish.
func (s *Supervisor) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.StopAll()
	})
	s.relays.Wait()
}

func (s *Supervisor) stop(name string) {
	instanceStops.Inc()
	if inst, ok := s.reg.Get(name); ok {
		inst.live.Store(false)
		s.terminate(inst)
		s.reg.RemoveInstance(inst)
		runningGauge.Set(float64(s.reg.Len()))
		s.syncLifecycle()
	}
	s.logger.Info("Supervisor: instance stopped", slog.String("instance", name))
	s.emit(name, "", EventLifecycle, "stopped")
}

// terminate runs the grace-then-force protocol and waits for the relay to
// finish its cleanup.
// A reaped pid is never signalled, since its group id may have been reused.
func (s *Supervisor) terminate(inst *Instance) {
	pid := inst.PID()
	if !inst.reaped() {
		if err := terminateGroup(pid); err != nil {
			s.logger.Warn("Supervisor: failed to signal instance", slog.String("instance", inst.Name), slog.Int("pid", pid), slog.String("err", err.Error()))
		}

		grace := time.NewTimer(s.opts.GraceTimeout)
		defer grace.Stop()
		select {
		case <-inst.exited:
			s.logger.Info("Supervisor: instance terminated gracefully", slog.String("instance", inst.Name), slog.Int("pid", pid))
		case <-grace.C:
			if inst.reaped() {
				break
			}
			s.logger.Warn("Supervisor: instance did not exit in time; sending SIGKILL", slog.String("instance", inst.Name), slog.Int("pid", pid))
			forcedKills.Inc()
			if err := killGroup(pid); err != nil {
				s.logger.Warn("Supervisor: SIGKILL failed", slog.String("instance", inst.Name), slog.Int("pid", pid), slog.String("err", err.Error()))
			}
		}
	}

	wait := time.NewTimer(s.opts.TerminateTimeout)
	defer wait.Stop()
	select {
	case <-inst.done:
	case <-wait.C:
		// Unblock the relay; whatever still holds the pipe is left as an orphan.
		_ = inst.out.Close()
		s.logger.Warn("Supervisor: output still held open after kill; descendants may be orphaned",
			slog.String("instance", inst.Name), slog.Int("pid", pid))
		s.emit(inst.Name, inst.RunID, EventError, "warning: output still held open after kill; descendants may be orphaned")
	}
}

func (s *Supervisor) spawn(name string, argv []string, spec *ArgSpec) {
	if s.opts.Executable == "" {
		s.spawnFailed(name, "executable", ErrNoExecutable)
		return
	}
	if s.opts.WorkDir != "" {
		if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
			s.spawnFailed(name, "workdir", fmt.Errorf("create work dir: %w", err))
			return
		}
	}

	cmd := exec.Command(s.opts.Executable, argv...)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = s.childEnv(name)
	cmd.SysProcAttr = sysProcAttr()

	out, in, err := os.Pipe()
	if err != nil {
		s.spawnFailed(name, "pipe", fmt.Errorf("create output pipe: %w", err))
		return
	}
	cmd.Stdout = in
	cmd.Stderr = in

	s.emit(name, "", EventLifecycle, "command: "+strings.Join(append([]string{s.opts.Executable}, argv...), " "))
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		_ = in.Close()
		s.spawnFailed(name, "spawn", err)
		return
	}
	// The child holds its own copy of the write end.
	_ = in.Close()

	inst := newInstance(name, argv, spec, cmd)
	inst.out = out
	s.reg.Put(inst)
	instanceStarts.Inc()
	runningGauge.Set(float64(s.reg.Len()))
	s.syncLifecycle()

	s.logger.Info("Supervisor: spawned instance", slog.String("instance", name), slog.Int("pid", inst.PID()), slog.String("run", inst.RunID))
	s.emit(name, inst.RunID, EventLifecycle, fmt.Sprintf("process started pid=%d", inst.PID()))

	s.relays.Add(1)
	go s.relay(inst)
}

func (s *Supervisor) spawnFailed(name, reason string, err error) {
	spawnFailures.WithLabelValues(reason).Inc()
	s.logger.Error("Supervisor: failed to start instance", slog.String("instance", name), slog.String("err", err.Error()))
	s.emit(name, "", EventError, "error: "+err.Error())
}

// childEnv layers HOME, dotenv files and configured extras over the
// supervisor's own environment. Later entries win.
func (s *Supervisor) childEnv(name string) []string {
	env := os.Environ()
	if s.opts.WorkDir != "" {
		if abs, err := filepath.Abs(s.opts.WorkDir); err == nil {
			env = append(env, "HOME="+abs)
		}
	}
	for _, file := range s.opts.EnvFiles {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		vars, err := readEnvFile(file)
		if err != nil {
			s.logger.Warn("Supervisor: env file not loaded", slog.String("instance", name), slog.String("file", file), slog.String("err", err.Error()))
			continue
		}
		env = append(env, envLines(vars)...)
	}
	return append(env, s.opts.Env...)
}

func (s *Supervisor) emit(name, runID string, kind EventKind, line string) {
	s.bus.Publish(LogEvent{Instance: name, RunID: runID, Kind: kind, Line: line})
}

func (s *Supervisor) holdLifecycle() {
	if s.life != nil {
		s.life.Hold()
	}
}

func (s *Supervisor) releaseLifecycle() {
	if s.life != nil {
		s.life.Release()
	}
}

func (s *Supervisor) syncLifecycle() {
	if s.life != nil {
		s.life.Sync()
	}
}
