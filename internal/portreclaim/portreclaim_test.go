package portreclaim

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperPortEnv = "SVCGUARD_PORTRECLAIM_HELPER_PORT"

// TestHelperListener is not a real test: it is re-executed as a separate
// process that holds a port open.
func TestHelperListener(t *testing.T) {
	port := os.Getenv(helperPortEnv)
	if port == "" {
		t.Skip("helper process only")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(3)
	}
	defer func() { _ = ln.Close() }()
	time.Sleep(time.Minute)
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestIsPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, IsPortAvailable(port))
	require.NoError(t, ln.Close())
	assert.True(t, IsPortAvailable(port))
}

func TestReclaimNeverSignalsSelfOrExcluded(t *testing.T) {
	self := os.Getpid()
	var sent []int
	r := &Reclaimer{
		Lookup: func(context.Context, int) ([]int, error) {
			return []int{self, 4242, 4343, 4242, 0}, nil
		},
		Signal: func(pid int) error {
			sent = append(sent, pid)
			return nil
		},
	}
	got, err := r.Reclaim(context.Background(), 9999, 4343)
	require.NoError(t, err)
	assert.Equal(t, []int{4242}, got)
	assert.Equal(t, []int{4242}, sent)
	assert.NotContains(t, sent, self)
}

func TestReclaimSwallowsSignalErrors(t *testing.T) {
	var sent []int
	r := &Reclaimer{
		Lookup: func(context.Context, int) ([]int, error) { return []int{11, 12}, nil },
		Signal: func(pid int) error {
			sent = append(sent, pid)
			if pid == 11 {
				return errors.New("permission denied")
			}
			return nil
		},
	}
	got, err := r.Reclaim(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{12}, got)
	assert.Equal(t, []int{11, 12}, sent)
}

func TestReclaimLookupError(t *testing.T) {
	r := &Reclaimer{Lookup: func(context.Context, int) ([]int, error) { return nil, errors.New("no proc") }}
	_, err := r.Reclaim(context.Background(), 1)
	assert.Error(t, err)
}

func TestWaitForReleaseTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	begin := time.Now()
	err = (&Reclaimer{PollInterval: 20 * time.Millisecond}).WaitForRelease(context.Background(), port, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestWaitForReleaseSucceedsOnceClosed(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	time.AfterFunc(150*time.Millisecond, func() { _ = ln.Close() })
	assert.NoError(t, WaitForRelease(context.Background(), port, 3*time.Second))
}

func TestReclaimOccupiedPortEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	if testing.Short() {
		t.Skip("spawns a helper process")
	}
	port := freePort(t)
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperListener$")
	cmd.Env = append(os.Environ(), helperPortEnv+"="+strconv.Itoa(port))
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(exited) }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	require.Eventually(t, func() bool { return !IsPortAvailable(port) }, 5*time.Second, 20*time.Millisecond)

	got, err := Reclaim(context.Background(), port)
	require.NoError(t, err)
	assert.Contains(t, got, cmd.Process.Pid)
	require.NoError(t, WaitForRelease(context.Background(), port, 5*time.Second))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not exit after reclaim")
	}
}
