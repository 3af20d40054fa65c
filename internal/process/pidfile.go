package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDMeta is the JSON line written after the PID. StartUnix guards against
// signalling an unrelated process that reused the PID.
type PIDMeta struct {
	Name      string `json:"name,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// WritePIDFile records p's PID and start time. The file is replaced atomically.
func WritePIDFile(path string, p *Process) error {
	if path == "" || p == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta := PIDMeta{Name: p.Name(), StartUnix: startTimeUnix(p.PID())}
	b, _ := json.Marshal(meta)
	data := strconv.Itoa(p.PID()) + "\n" + string(b) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile returns the PID and, when present, the metadata line.
// Files holding only a PID yield a zero PIDMeta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, meta, fmt.Errorf("pidfile %s: %w", path, err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

// ReapStale terminates the process group recorded in a pidfile left behind
// by a previous run, then removes the file. The process is only signalled
// when it is alive and its start time matches the recorded one. It returns the
// PID that was signalled, or 0.
func ReapStale(ctx context.Context, path string, timeout time.Duration) (int, error) {
	if path == "" {
		return 0, nil
	}
	pid, meta, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	defer RemovePIDFile(path)
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return 0, nil
	}
	if !Exists(pid) || !sameStart(pid, meta.StartUnix) {
		return 0, nil
	}
	_ = signalGroup(pid, syscall.SIGTERM)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for Exists(pid) {
		select {
		case <-tick.C:
		case <-deadline.C:
			_ = signalGroup(pid, syscall.SIGKILL)
			return pid, nil
		case <-ctx.Done():
			_ = signalGroup(pid, syscall.SIGKILL)
			return pid, ctx.Err()
		}
	}
	return pid, nil
}

// sameStart treats a missing stamp on either side as a mismatch; clock-tick
// rounding allows one second of drift.
func sameStart(pid int, recorded int64) bool {
	if recorded <= 0 {
		return false
	}
	actual := startTimeUnix(pid)
	if actual <= 0 {
		return false
	}
	d := actual - recorded
	return d >= -1 && d <= 1
}
