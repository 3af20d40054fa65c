package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWritersDerivesPathsFromDir(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := Config{File: FileConfig{Dir: dir}}.ProcessWriters("api")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	assert.FileExists(t, filepath.Join(dir, "api.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "api.stderr.log"))
}

func TestProcessWritersExplicitPathsWin(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "gw.out")
	ep := filepath.Join(dir, "gw.err")
	outW, errW, err := FileConfig{Dir: t.TempDir(), StdoutPath: sp, StderrPath: ep}.ProcessWriters("gateway")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	assert.FileExists(t, sp)
	assert.FileExists(t, ep)
}

func TestProcessWritersNilWithoutDestination(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	outW, errW, _ = Config{File: FileConfig{StderrPath: filepath.Join(t.TempDir(), "e.log")}}.ProcessWriters("n")
	assert.Nil(t, outW)
	require.NotNil(t, errW)
	closeIf(errW)
}

func TestProcessWritersRotationSettings(t *testing.T) {
	outW, _, _ := Config{File: FileConfig{StdoutPath: "x"}}.ProcessWriters("n")
	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	outW, _, _ = Config{File: FileConfig{StdoutPath: "x", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.ProcessWriters("n")
	l = outW.(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 11, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json"}, &buf)
	log.Info("dropped")
	log.Warn("kept", "service", "api")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "api", rec["service"])
}

func TestNewTeesIntoRotatingFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	log := New(Config{File: FileConfig{Dir: dir}}, &buf)
	log.Info("to both")
	assert.Contains(t, buf.String(), "to both")
	b, err := os.ReadFile(filepath.Join(dir, "svcguard.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("service", "gateway")
	log.Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR\033[0m")
	assert.Contains(t, out, "service=gateway")
	assert.NotContains(t, out, "time=")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
