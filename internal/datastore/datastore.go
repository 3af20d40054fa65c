// Package datastore prepares the on-disk state a child service expects
// before its first start.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/svcguard/internal/env"
)

const DefaultTimeout = 2 * time.Minute

// ErrInitFailed is returned when neither the template copy nor the migration
// produced a valid data store.
var ErrInitFailed = errors.New("data store initialization failed")

type Result int

const (
	ResultSkipped Result = iota
	ResultCopied
	ResultMigrated
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultCopied:
		return "copied"
	case ResultMigrated:
		return "migrated"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ValidateFunc inspects an existing target and returns nil when it is usable.
type ValidateFunc func(ctx context.Context, path string) error

// MigrateFunc builds the target in-process.
type MigrateFunc func(ctx context.Context, path string) error

type Initializer struct {
	TargetPath   string
	TemplatePath string
	// MigrateCommand runs when no template could be copied. The target is
	// passed as DATABASE_PATH and DATABASE_URL.
	MigrateCommand []string
	MigrateEnv     []string
	WorkDir        string
	// Migrate is used when MigrateCommand is empty.
	Migrate  MigrateFunc
	Validate ValidateFunc
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Ensure is idempotent: a valid target is left untouched.
func (in *Initializer) Ensure(ctx context.Context) (Result, error) {
	if in == nil {
		return ResultSkipped, nil
	}
	if in.TargetPath == "" {
		return ResultSkipped, fmt.Errorf("%w: empty target path", ErrInitFailed)
	}
	log := in.logger()
	if exists(in.TargetPath) {
		err := in.valid(ctx)
		if err == nil {
			return ResultSkipped, nil
		}
		aside := fmt.Sprintf("%s.invalid-%d", in.TargetPath, time.Now().Unix())
		log.Warn("data store invalid, moving aside", "path", in.TargetPath, "to", aside, "error", err)
		if err := os.Rename(in.TargetPath, aside); err != nil {
			return ResultSkipped, fmt.Errorf("%w: %v", ErrInitFailed, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(in.TargetPath), 0o750); err != nil {
		return ResultSkipped, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	if in.TemplatePath != "" && exists(in.TemplatePath) {
		err := copyAtomic(in.TemplatePath, in.TargetPath)
		if err == nil {
			err = in.valid(ctx)
			if err != nil {
				_ = os.Remove(in.TargetPath)
			}
		}
		if err == nil {
			log.Info("data store copied from template", "path", in.TargetPath, "template", in.TemplatePath)
			return ResultCopied, nil
		}
		log.Warn("template copy failed, falling back to migration", "template", in.TemplatePath, "error", err)
	}

	if err := in.migrate(ctx); err != nil {
		return ResultSkipped, err
	}
	if err := in.valid(ctx); err != nil {
		return ResultSkipped, fmt.Errorf("%w: migrated store invalid: %v", ErrInitFailed, err)
	}
	log.Info("data store migrated", "path", in.TargetPath)
	return ResultMigrated, nil
}

func (in *Initializer) migrate(ctx context.Context) error {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(in.MigrateCommand) == 0 {
		if in.Migrate == nil {
			return fmt.Errorf("%w: no template at %q and no migration configured", ErrInitFailed, in.TemplatePath)
		}
		if err := in.Migrate(ctx, in.TargetPath); err != nil {
			return fmt.Errorf("%w: %v", ErrInitFailed, err)
		}
		return nil
	}

	vars := env.Parse(in.MigrateEnv)
	vars["DATABASE_PATH"] = in.TargetPath
	vars["DATABASE_URL"] = "file:" + in.TargetPath
	// #nosec G204
	cmd := exec.CommandContext(ctx, in.MigrateCommand[0], in.MigrateCommand[1:]...)
	cmd.Dir = in.WorkDir
	cmd.Env = env.New().Merge(vars)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if tail != "" {
			return fmt.Errorf("%w: %s: %v: %s", ErrInitFailed, strings.Join(in.MigrateCommand, " "), err, tail)
		}
		return fmt.Errorf("%w: %s: %v", ErrInitFailed, strings.Join(in.MigrateCommand, " "), err)
	}
	return nil
}

func (in *Initializer) valid(ctx context.Context) error {
	fi, err := os.Stat(in.TargetPath)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", in.TargetPath)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%s is empty", in.TargetPath)
	}
	if in.Validate != nil {
		return in.Validate(ctx, in.TargetPath)
	}
	return nil
}

func (in *Initializer) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyAtomic copies src next to dst and renames it into place.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
