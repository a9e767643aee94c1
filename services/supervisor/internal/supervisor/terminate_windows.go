//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setProcAttrs(*exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

func reapGroup(int) {}
