//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

const processQueryLimitedInformation = 0x1000

// signalGroup has no group semantics on Windows; SIGTERM and SIGKILL both map
// to taskkill /T so children of the tree go too.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	return SignalPID(pid, sig)
}

// SignalPID terminates one process tree.
func SignalPID(pid int, sig syscall.Signal) error {
	if sig == 0 {
		if Exists(pid) {
			return nil
		}
		return os.ErrProcessDone
	}
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if sig == syscall.SIGKILL {
		args = append(args, "/F")
	}
	return exec.Command("taskkill", args...).Run()
}

func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
