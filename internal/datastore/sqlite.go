package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

func openSQLite(path string, readOnly bool) (*sql.DB, error) {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath()
	if readOnly {
		dsn += "?mode=ro"
	}
	return sql.Open("sqlite", dsn)
}

// SQLiteValidator accepts a target that passes PRAGMA quick_check and
// contains every named table.
func SQLiteValidator(tables ...string) ValidateFunc {
	return func(ctx context.Context, path string) error {
		db, err := openSQLite(path, true)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		var res string
		if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&res); err != nil {
			return fmt.Errorf("quick_check: %w", err)
		}
		if res != "ok" {
			return fmt.Errorf("quick_check: %s", res)
		}
		for _, t := range tables {
			var n int
			err := db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", t).Scan(&n)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("missing table %q", t)
			}
		}
		return nil
	}
}

// SQLiteSchemaMigrator creates the target and applies stmts in one transaction.
func SQLiteSchemaMigrator(stmts ...string) MigrateFunc {
	return func(ctx context.Context, path string) error {
		db, err := openSQLite(path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return tx.Commit()
	}
}
