//go:build !unix && !windows

package build

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func kill(p *os.Process) error {
	return p.Kill()
}
