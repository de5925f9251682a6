//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func isolateProcess(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func cpuLimitHit(*os.ProcessState, int) bool {
	return false
}
