//go:build windows

package build

import (
	"os"
	"syscall"
)

const createNoWindow = 0x08000000

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}

func kill(p *os.Process) error {
	return p.Kill()
}
