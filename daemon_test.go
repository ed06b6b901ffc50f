//go:build unix

package proxyvisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testDaemonConfig(t *testing.T, executable string) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Executable = executable
	cfg.WorkDir = filepath.Join(dir, "data")
	cfg.LogDir = filepath.Join(dir, "log")
	cfg.Listen = ""
	cfg.Inhibitor = "none"
	cfg.WatchConfigs = false
	cfg.fillDerived()
	return cfg
}

func TestDaemon_ExitsWhenIdle(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cfg := testDaemonConfig(t, sleep)
	cfg.ExitWhenIdle = true
	cfg.Instances = []InstanceConfig{{Name: "short", ArgSpec: ArgSpec{Mode: ModeCmdline, Cmdline: "0.2"}}}
	follow := &syncBuffer{}
	d := NewDaemon(cfg, nil, follow)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit after the last instance stopped")
	}

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "instances", "short.log"))
	if err != nil {
		t.Fatalf("instance log: %v", err)
	}
	if !strings.Contains(string(data), "process exited code=0") {
		t.Fatalf("instance log = %q", data)
	}
	if !strings.Contains(follow.String(), "[short] -- process started") {
		t.Fatalf("follow output = %q", follow.String())
	}
	if entries := d.Tail().Since(0, "short", 0); len(entries) == 0 {
		t.Fatal("tail is empty")
	}
	if _, err := os.Stat(cfg.StatusFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("status file left behind: %v", err)
	}
}

func TestDaemon_ContextCancelStopsInstances(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cfg := testDaemonConfig(t, sleep)
	cfg.Instances = []InstanceConfig{
		{Name: "a", ArgSpec: ArgSpec{Mode: ModeCmdline, Cmdline: "30"}},
		{Name: "b", ArgSpec: ArgSpec{Mode: ModeCmdline, Cmdline: "30"}},
	}
	d := NewDaemon(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return len(d.Supervisor().Running()) == 2 })
	status, err := ReadStatus(cfg.StatusFile)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	if !status.Active || len(status.Instances) != 2 {
		t.Fatalf("status = %+v", status)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if n := len(d.Supervisor().Running()); n != 0 {
		t.Fatalf("%d instances still running", n)
	}
}

func TestDaemon_ReloadKeepsIdleExitDaemonRunning(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cfg := testDaemonConfig(t, sleep)
	cfg.ExitWhenIdle = true
	cfg.Instances = []InstanceConfig{{Name: "only", ArgSpec: ArgSpec{Mode: ModeCmdline, Cmdline: "30"}}}
	d := NewDaemon(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return len(d.Supervisor().Running()) == 1 })
	before, _ := d.Supervisor().Instance("only")

	d.Reload("sighup")
	waitFor(t, func() bool {
		info, ok := d.Supervisor().Instance("only")
		return ok && info.RunID != before.RunID
	})

	select {
	case <-done:
		t.Fatal("daemon exited during a restart")
	case <-d.Idle():
		t.Fatal("daemon went idle during a restart")
	case <-time.After(300 * time.Millisecond):
	}
	if status, err := ReadStatus(cfg.StatusFile); err != nil || !status.Active {
		t.Fatalf("status = %+v, %v", status, err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
