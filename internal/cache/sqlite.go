package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// metaLastSweep keys the last-sweep timestamp in cache_meta.
const metaLastSweep = "last_sweep"

// OpenDatabase opens (creating if needed) the persistent cache tier at
// path and applies pending schema migrations. Migrations run once per
// schema version; an up-to-date database is untouched.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Entry is one row of the persistent tier.
type Entry struct {
	Bucket       string
	Identifier   string
	Value        []byte
	Expires      int64
	LastModified int64
}

// Repository implements the persistent cache tier over a sqlite
// database. Queries run in auto-commit mode; database/sql serializes
// access to the underlying connection.
type Repository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewRepository creates a Repository using the provided *sql.DB.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// Get fetches one entry. Absent rows map to nferrors.ErrCacheMiss.
func (r *Repository) Get(ctx context.Context, bucket, identifier string) ([]byte, int64, error) {
	var value []byte
	var expires int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT value, expires FROM cache_data WHERE bucket = ? AND identifier = ?
	`, bucket, identifier).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nferrors.ErrCacheMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("cache get: %w", err)
	}
	return value, expires, nil
}

// Set upserts one entry.
func (r *Repository) Set(ctx context.Context, e Entry) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO cache_data (bucket, identifier, value, expires, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket, identifier) DO UPDATE SET
			value = excluded.value,
			expires = excluded.expires,
			last_modified = excluded.last_modified
	`, e.Bucket, e.Identifier, e.Value, e.Expires, e.LastModified)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// SetBatch upserts every entry inside a single transaction.
func (r *Repository) SetBatch(ctx context.Context, entries []Entry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_data (bucket, identifier, value, expires, last_modified)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (bucket, identifier) DO UPDATE SET
				value = excluded.value,
				expires = excluded.expires,
				last_modified = excluded.last_modified
		`, e.Bucket, e.Identifier, e.Value, e.Expires, e.LastModified)
		if err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (r *Repository) Delete(ctx context.Context, bucket, identifier string) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM cache_data WHERE bucket = ? AND identifier = ?
	`, bucket, identifier)
	return err
}

// DeletePrefix removes every entry whose identifier starts with the
// given prefix.
func (r *Repository) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM cache_data
		 WHERE bucket = ?
		   AND identifier >= ?
		   AND identifier < ? || x'ffff'
	`, bucket, prefix, prefix)
	return err
}

// ClearBucket drops a bucket wholesale.
func (r *Repository) ClearBucket(ctx context.Context, bucket string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM cache_data WHERE bucket = ?`, bucket)
	return err
}

// DeleteExpired removes expired entries from the given buckets and
// returns the number of removed rows.
func (r *Repository) DeleteExpired(ctx context.Context, buckets []string, now int64) (int64, error) {
	var total int64
	for _, bucket := range buckets {
		res, err := r.DB.ExecContext(ctx, `
			DELETE FROM cache_data WHERE bucket = ? AND expires <= ?
		`, bucket, now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", bucket, err)
		}
		if rows, err := res.RowsAffected(); err == nil {
			total += rows
		}
	}
	return total, nil
}

// GetMeta reads one bookkeeping value (0 when absent).
func (r *Repository) GetMeta(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT value FROM cache_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("meta get: %w", err)
	}
	return value, nil
}

// SetMeta upserts one bookkeeping value.
func (r *Repository) SetMeta(ctx context.Context, key string, value int64) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
