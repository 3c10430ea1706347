package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/secretkv/internal/secrets"
)

// LibSQLRepository implements Repository on libSQL (embedded SQLite fork).
// Persistence faults are logged and reported as empty results, a miss, or false.
type LibSQLRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// LibSQLOption configures a LibSQLRepository.
type LibSQLOption func(*LibSQLRepository)

// WithLibSQLLogger sets the logger used for swallowed persistence faults.
func WithLibSQLLogger(l *slog.Logger) LibSQLOption {
	return func(r *LibSQLRepository) { r.logger = l }
}

// NewLibSQLRepository opens the database at dbPath and applies pending
// migrations. The path should be a file URI, e.g. "file:/path/to/secrets.db";
// "file:~/" is expanded to the user's home directory.
func NewLibSQLRepository(ctx context.Context, dbPath string, opts ...LibSQLOption) (*LibSQLRepository, error) {
	dsn, err := resolveDSN(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	r := &LibSQLRepository{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(r)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *LibSQLRepository) ListLatestVersion(ctx context.Context) []Secret {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.key, s.value
		   FROM secret_versions s
		   JOIN (SELECT key, MAX(version) AS top, MIN(rowid) AS first
		           FROM secret_versions GROUP BY key) m
		     ON s.key = m.key AND s.version = m.top
		  ORDER BY m.first`)
	if err != nil {
		r.fault(ctx, "list latest", err)
		return []Secret{}
	}
	defer rows.Close()

	out, err := scanSecrets(rows)
	if err != nil {
		r.fault(ctx, "list latest", err)
		return []Secret{}
	}
	return out
}

func (r *LibSQLRepository) RetrieveByKey(ctx context.Context, key secrets.Ciphertext) (Secret, bool) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM secret_versions WHERE key = ? ORDER BY version DESC LIMIT 1`, string(key),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return Secret{}, false
	}
	if err != nil {
		r.fault(ctx, "retrieve by key", err)
		return Secret{}, false
	}
	return Secret{Key: key, Value: secrets.Ciphertext(value)}, true
}

func (r *LibSQLRepository) RetrieveHistory(ctx context.Context, key secrets.Ciphertext) []Secret {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM secret_versions WHERE key = ? ORDER BY version ASC`, string(key))
	if err != nil {
		r.fault(ctx, "retrieve history", err)
		return []Secret{}
	}
	defer rows.Close()

	out, err := scanSecrets(rows)
	if err != nil {
		r.fault(ctx, "retrieve history", err)
		return []Secret{}
	}
	return out
}

// Save appends secret as the next version of its key inside one write transaction.
func (r *LibSQLRepository) Save(ctx context.Context, secret Secret) bool {
	if err := r.append(ctx, secret); err != nil {
		r.fault(ctx, "save", err)
		return false
	}
	return true
}

func (r *LibSQLRepository) append(ctx context.Context, secret Secret) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the
	// lock before the version is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM secret_versions WHERE key = ?`, string(secret.Key),
	).Scan(&version); err != nil {
		return fmt.Errorf("next version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secret_versions (key, value, version) VALUES (?, ?, ?)`,
		string(secret.Key), string(secret.Value), version,
	); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	return nil
}

func (r *LibSQLRepository) IsEmpty(ctx context.Context) bool {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM secret_versions)`,
	).Scan(&exists); err != nil {
		r.fault(ctx, "is empty", err)
		return true
	}
	return !exists
}

func (r *LibSQLRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM secret_versions`); err != nil {
		return fmt.Errorf("clear secret_versions: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *LibSQLRepository) Close() error { return r.db.Close() }

func (r *LibSQLRepository) fault(ctx context.Context, op string, err error) {
	r.logger.WarnContext(ctx, "libsql store fault", "op", op, "error", err)
}

func scanSecrets(rows *sql.Rows) ([]Secret, error) {
	out := []Secret{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out = append(out, Secret{Key: secrets.Ciphertext(key), Value: secrets.Ciphertext(value)})
	}
	return out, rows.Err()
}

// resolveDSN expands "~" and creates the parent directory of a local file URI.
func resolveDSN(dbPath string) (string, error) {
	path, isFile := strings.CutPrefix(dbPath, "file:")
	if !isFile {
		return dbPath, nil
	}
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create db dir: %w", err)
	}
	return "file:" + path, nil
}

var _ Repository = (*LibSQLRepository)(nil)
