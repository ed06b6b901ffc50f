package proxyvisor

import (
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Instance is one named run of the proxy program.
type Instance struct {
	Name      string
	RunID     string
	Argv      []string
	Spec      *ArgSpec
	StartedAt time.Time

	cmd  *exec.Cmd
	out  *os.File
	live atomic.Bool

	// exited is closed once the exit status has been collected.
	exited chan struct{}
	// done is closed after the relay has finished its cleanup.
	done chan struct{}
}

func newInstance(name string, argv []string, spec *ArgSpec, cmd *exec.Cmd) *Instance {
	inst := &Instance{
		Name:      name,
		RunID:     uuid.NewString(),
		Argv:      append([]string(nil), argv...),
		Spec:      spec,
		StartedAt: time.Now(),
		cmd:       cmd,
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	inst.live.Store(true)
	return inst
}

// PID returns the OS process id, or 0 when no process is attached.
func (i *Instance) PID() int {
	if i.cmd == nil || i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

// reaped reports whether the exit status has already been collected.
func (i *Instance) reaped() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

// Live reports whether the relay should keep streaming.
func (i *Instance) Live() bool {
	return i.live.Load()
}

// Done is closed once the instance has fully stopped.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// InstanceInfo is a point-in-time description of a running instance.
type InstanceInfo struct {
	Name      string    `json:"name"`
	RunID     string    `json:"runId"`
	PID       int       `json:"pid"`
	Argv      []string  `json:"argv"`
	Mode      string    `json:"mode,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Uptime    string    `json:"uptime"`
}

func (i *Instance) info() InstanceInfo {
	info := InstanceInfo{
		Name:      i.Name,
		RunID:     i.RunID,
		PID:       i.PID(),
		Argv:      append([]string(nil), i.Argv...),
		StartedAt: i.StartedAt,
		Uptime:    time.Since(i.StartedAt).Truncate(time.Second).String(),
	}
	if i.Spec != nil {
		info.Mode = string(i.Spec.Mode)
	}
	return info
}
