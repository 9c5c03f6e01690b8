//go:build unix

package build

import (
	"errors"
	"os"
	"syscall"
)

// the child leads its own process group, so killing the group also stops
// whatever a shell wrapper spawned and lets the pumps see EOF
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func kill(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return os.ErrProcessDone
	default:
		return p.Kill()
	}
}
