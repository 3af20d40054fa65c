//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// signalGroup signals the whole process group led by pid, falling back to
// the single process when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// SignalPID signals a single process.
func SignalPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Exists reports liveness; zombies count as gone on Linux.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
