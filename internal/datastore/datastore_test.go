package datastore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestEnsureSkipsValidTargetWithoutWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(target, []byte("existing"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(target, old, old))

	in := &Initializer{TargetPath: target, TemplatePath: filepath.Join(dir, "missing.db")}
	for i := 0; i < 2; i++ {
		res, err := in.Ensure(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ResultSkipped, res)
	}
	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(old), "target must not be rewritten")
	b, _ := os.ReadFile(target)
	assert.Equal(t, "existing", string(b))
}

func TestEnsureCopiesTemplateIntoNewDirs(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.db")
	require.NoError(t, os.WriteFile(tmpl, []byte("template-bytes"), 0o600))
	target := filepath.Join(dir, "data", "nested", "app.db")

	in := &Initializer{TargetPath: target, TemplatePath: tmpl}
	res, err := in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultCopied, res)
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "template-bytes", string(b))

	entries, _ := os.ReadDir(filepath.Dir(target))
	assert.Len(t, entries, 1, "no temp files left behind")

	res, err = in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestEnsureFallsBackToMigrationCommand(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "db", "app.db")
	in := &Initializer{
		TargetPath:     target,
		TemplatePath:   filepath.Join(dir, "absent.db"),
		MigrateCommand: []string{"/bin/sh", "-c", `printf "$SCHEMA" > "$DATABASE_PATH"`},
		MigrateEnv:     []string{"SCHEMA=v1"},
	}
	res, err := in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultMigrated, res)
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b))
}

func TestEnsureMigrationFailureCarriesStderr(t *testing.T) {
	requireUnix(t)
	in := &Initializer{
		TargetPath:     filepath.Join(t.TempDir(), "app.db"),
		MigrateCommand: []string{"/bin/sh", "-c", "echo schema boom >&2; exit 4"},
	}
	_, err := in.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Contains(t, err.Error(), "schema boom")
}

func TestEnsureMigrationTimeout(t *testing.T) {
	requireUnix(t)
	in := &Initializer{
		TargetPath:     filepath.Join(t.TempDir(), "app.db"),
		MigrateCommand: []string{"sleep", "10"},
		Timeout:        200 * time.Millisecond,
	}
	begin := time.Now()
	_, err := in.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestEnsureWithoutTemplateOrMigration(t *testing.T) {
	_, err := (&Initializer{TargetPath: filepath.Join(t.TempDir(), "x.db")}).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)

	_, err = (&Initializer{}).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestSQLiteMigrateAndValidate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.db")
	in := &Initializer{
		TargetPath: target,
		Migrate: SQLiteSchemaMigrator(
			"CREATE TABLE settings (k TEXT PRIMARY KEY, v TEXT)",
			"CREATE TABLE messages (id INTEGER PRIMARY KEY, body TEXT)",
		),
		Validate: SQLiteValidator("settings", "messages"),
	}
	res, err := in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultMigrated, res)

	res, err = in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)

	assert.Error(t, SQLiteValidator("missing")(context.Background(), target))
}

func TestCorruptTargetIsMovedAsideAndRebuilt(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(target, []byte("definitely not sqlite, just some garbage bytes"), 0o600))

	in := &Initializer{
		TargetPath: target,
		Migrate:    SQLiteSchemaMigrator("CREATE TABLE settings (k TEXT)"),
		Validate:   SQLiteValidator("settings"),
	}
	res, err := in.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultMigrated, res)

	matches, _ := filepath.Glob(target + ".invalid-*")
	assert.Len(t, matches, 1)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "skipped", ResultSkipped.String())
	assert.Equal(t, "copied", ResultCopied.String())
	assert.Equal(t, "migrated", ResultMigrated.String())
}
