//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// isolateProcess runs the command in its own process group and kills the
// whole group on cancellation, so children spawned by user code die too.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// cpuLimitHit reports whether the kernel ended the process for exceeding
// RLIMIT_CPU.
func cpuLimitHit(state *os.ProcessState, limitSec int) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return cpuLimitSignal(ws.Signal(), state.UserTime()+state.SystemTime(), limitSec)
}

// cpuLimitSignal is SIGXCPU at the soft limit, or SIGKILL once the hard limit
// is reached. A SIGKILL before the limit was used up came from elsewhere.
func cpuLimitSignal(sig syscall.Signal, used time.Duration, limitSec int) bool {
	switch sig {
	case syscall.SIGXCPU:
		return true
	case syscall.SIGKILL:
		return limitSec > 0 && used >= time.Duration(limitSec)*time.Second
	default:
		return false
	}
}
