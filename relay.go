package proxyvisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// relay streams one instance's combined output onto the bus until EOF, a read
// error, or a cleared live flag. Cleanup always runs afterwards.
//
// The live flag is only checked between reads, so a stopped instance may
// still relay one buffered line before the loop notices.
func (s *Supervisor) relay(inst *Instance) {
	defer s.relays.Done()
	defer s.finish(inst)

	rd := bufio.NewReader(inst.out)
	for inst.Live() {
		line, err := rd.ReadString('\n')
		if err == nil || (errors.Is(err, io.EOF) && line != "") {
			logLines.Inc()
			s.emit(inst.Name, inst.RunID, EventOutput, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("Supervisor: output read failed", slog.String("instance", inst.Name), slog.String("err", err.Error()))
				s.emit(inst.Name, inst.RunID, EventError, "error: read output: "+err.Error())
			}
			return
		}
	}
}

// finish collects the exit status and removes the instance. It runs on every
// relay exit path, including panics.
func (s *Supervisor) finish(inst *Instance) {
	if r := recover(); r != nil {
		s.logger.Error("Supervisor: relay panicked", slog.String("instance", inst.Name), slog.Any("panic", r))
		s.emit(inst.Name, inst.RunID, EventError, fmt.Sprintf("error: relay failed: %v", r))
	}

	stopped := !inst.live.Swap(false)
	_ = inst.out.Close()

	waitErr := inst.cmd.Wait()
	close(inst.exited)

	code, line := exitStatus(inst.cmd.ProcessState, waitErr)
	switch {
	case stopped:
		instanceExits.WithLabelValues("stopped").Inc()
	case code == 0:
		instanceExits.WithLabelValues("clean").Inc()
	default:
		instanceExits.WithLabelValues("error").Inc()
	}
	s.logger.Info("Supervisor: instance exited", slog.String("instance", inst.Name), slog.Int("pid", inst.PID()), slog.Int("code", code))
	s.emit(inst.Name, inst.RunID, EventLifecycle, line)

	s.reg.RemoveInstance(inst)
	runningGauge.Set(float64(s.reg.Len()))
	s.syncLifecycle()
	close(inst.done)
}

func exitStatus(state *os.ProcessState, err error) (int, string) {
	if state == nil {
		if err == nil {
			err = errors.New("no exit status")
		}
		return -1, fmt.Sprintf("process exited code=-1 (%v)", err)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return state.ExitCode(), fmt.Sprintf("process exited code=%d (%s; %v)", state.ExitCode(), state, err)
	}
	return state.ExitCode(), fmt.Sprintf("process exited code=%d (%s)", state.ExitCode(), state)
}
