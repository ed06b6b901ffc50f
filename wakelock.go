package proxyvisor

import (
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// WakeLocker hands out time-bounded sleep-prevention leases.
type WakeLocker interface {
	Acquire(reason string, ttl time.Duration) (Lease, error)
}

// Lease is a held sleep-prevention lease. Release is idempotent.
type Lease interface {
	Release() error
}

// NopWakeLocker grants leases that hold nothing.
type NopWakeLocker struct{}

func (NopWakeLocker) Acquire(string, time.Duration) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release() error { return nil }

const (
	defaultInhibitor   = "systemd-inhibit"
	inhibitReleaseWait = 2 * time.Second
	inhibitorWho       = "proxyvisor"
	inhibitorWhat      = "sleep:idle"
)

// InhibitLocker takes a logind inhibitor lock by running systemd-inhibit
// around a sleep of the lease TTL. The lock ends when the sleep does, so a
// lease can never outlive its TTL.
type InhibitLocker struct {
	// Path is the systemd-inhibit binary; looked up in PATH when relative.
	Path string
}

func NewInhibitLocker(path string) *InhibitLocker {
	if path == "" {
		path = defaultInhibitor
	}
	return &InhibitLocker{Path: path}
}

func (l *InhibitLocker) Acquire(reason string, ttl time.Duration) (Lease, error) {
	bin, err := exec.LookPath(l.Path)
	if err != nil {
		return nil, fmt.Errorf("find inhibitor: %w", err)
	}
	cmd := exec.Command(bin, inhibitArgs(reason, ttl)...)
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start inhibitor: %w", err)
	}
	lease := &inhibitLease{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(lease.done)
	}()
	return lease, nil
}

func inhibitArgs(reason string, ttl time.Duration) []string {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return []string{
		"--what=" + inhibitorWhat,
		"--who=" + inhibitorWho,
		"--why=" + reason,
		"--mode=block",
		"sleep", strconv.FormatInt(secs, 10),
	}
}

type inhibitLease struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
}

func (l *inhibitLease) Release() error {
	l.once.Do(func() {
		select {
		case <-l.done:
			return
		default:
		}
		if err := killGroup(l.cmd.Process.Pid); err != nil {
			l.err = fmt.Errorf("stop inhibitor: %w", err)
			return
		}
		select {
		case <-l.done:
		case <-time.After(inhibitReleaseWait):
			l.err = errors.New("inhibitor did not exit")
		}
	})
	return l.err
}
