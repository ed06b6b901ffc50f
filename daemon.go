package proxyvisor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

const sinkBuffer = 1024

// Daemon wires a Supervisor to its lifecycle resources, log sinks, config
// watcher and control API.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	sup    *Supervisor
	life   *Lifecycle
	tail   *LogTail
	files  *FileSink
	mqtt   *MQTTSink
	server *Server
	follow io.Writer

	idle  chan struct{}
	once  sync.Once
	sinks sync.WaitGroup
}

// NewDaemon builds every component described by cfg. follow, when non-nil,
// receives a live copy of all instance output.
func NewDaemon(cfg *Config, logger *slog.Logger, follow io.Writer) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		tail:   NewLogTail(cfg.TailSize),
		files:  NewFileSink(filepath.Join(cfg.LogDir, "instances")),
		follow: follow,
		idle:   make(chan struct{}),
	}

	indicators := Indicators{NewStatusFile(cfg.StatusFile)}
	if cfg.MQTT.Broker != "" {
		sink, err := ConnectMQTT(cfg.MQTT, logger)
		if err != nil {
			logger.Error("Daemon: MQTT sink disabled", slog.String("broker", cfg.MQTT.Broker), slog.String("err", err.Error()))
		} else {
			d.mqtt = sink
			indicators = append(indicators, sink)
		}
	}

	var locker WakeLocker = NopWakeLocker{}
	if cfg.Inhibitor != "none" {
		locker = NewInhibitLocker(cfg.Inhibitor)
	}

	reg := NewRegistry()
	lifeOpts := LifecycleOptions{
		WakeLocker: locker,
		Indicator:  indicators,
		LeaseTTL:   cfg.WakeLease.Std(),
		Logger:     logger,
	}
	if cfg.ExitWhenIdle {
		lifeOpts.OnIdle = d.signalIdle
	}
	d.life = NewLifecycle(reg, lifeOpts)

	opts := cfg.SupervisorOptions()
	opts.Registry = reg
	opts.Lifecycle = d.life
	opts.Logger = logger
	d.sup = New(opts)
	d.server = NewServer(d.sup, d.tail, logger)
	return d
}

func (d *Daemon) Supervisor() *Supervisor {
	return d.sup
}

func (d *Daemon) Server() *Server {
	return d.server
}

func (d *Daemon) Tail() *LogTail {
	return d.tail
}

// Idle is closed the first time the supervisor goes idle when exitWhenIdle
// is set.
func (d *Daemon) Idle() <-chan struct{} {
	return d.idle
}

func (d *Daemon) signalIdle() {
	d.once.Do(func() { close(d.idle) })
}

// Run starts the daemon and blocks until ctx is done or, with exitWhenIdle,
// the last instance has stopped. Every instance is stopped before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.startSinks()
	go trackUptime(ctx, time.Now())
	go d.sup.Run(ctx)

	if d.cfg.WatchConfigs {
		watcher, err := NewConfigWatcher(d.sup, d.logger)
		if err != nil {
			d.logger.Error("Daemon: config watcher disabled", slog.String("err", err.Error()))
		} else {
			go watcher.Run(ctx)
		}
	}

	if d.cfg.Listen != "" {
		go func() {
			if err := d.server.Listen(d.cfg.Listen); err != nil {
				d.logger.Error("Daemon: control API stopped", slog.String("err", err.Error()))
			}
		}()
	}

	for _, inst := range d.cfg.Instances {
		d.sup.StartSpec(inst.Name, inst.ArgSpec)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Daemon: shutdown requested")
	case <-d.idle:
		d.logger.Info("Daemon: no instances left; exiting")
	}
	d.shutdown()
	return nil
}

// Reload restarts every running instance with its recorded arguments.
func (d *Daemon) Reload(reason string) {
	for _, name := range d.sup.Running() {
		if !d.sup.Dispatch(Command{Action: ActionRestart, Instance: name, Reason: reason}) {
			d.logger.Warn("Daemon: restart not queued", slog.String("instance", name))
		}
	}
}

func (d *Daemon) startSinks() {
	bus := d.sup.Bus()
	consume := func(fn func(*Subscription)) {
		sub := bus.Subscribe(sinkBuffer)
		d.sinks.Add(1)
		go func() {
			defer d.sinks.Done()
			fn(sub)
		}()
	}
	consume(d.tail.Consume)
	consume(d.files.Consume)
	if d.mqtt != nil {
		consume(d.mqtt.Consume)
	}
	if d.follow != nil {
		consume(func(sub *Subscription) { FollowWriter(d.follow, sub) })
	}
}

func (d *Daemon) shutdown() {
	if d.cfg.Listen != "" {
		if err := d.server.Shutdown(); err != nil {
			d.logger.Warn("Daemon: control API shutdown failed", slog.String("err", err.Error()))
		}
	}
	d.sup.Close()
	d.life.Close()
	d.sup.Bus().Close()
	d.sinks.Wait()
	if d.mqtt != nil {
		_ = d.mqtt.Close()
	}
	d.logger.Info("Daemon: stopped")
}
