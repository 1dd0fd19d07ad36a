//go:build unix

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so that a kill
// reaches anything it spawned.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}
