package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"doctracker/constants"
	"doctracker/internal/common"
)

// FileVersion is one row of the file_versions ledger. Rows are never
// deleted; they are the audit trail of every file the scanner has seen.
type FileVersion struct {
	ID               int64
	FilePath         string
	Fingerprint      string
	FileSizeMB       float64
	ModificationDate time.Time
	UploadDate       time.Time
	Status           constants.VersionStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type FileVersionRepository interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, path string) (*FileVersion, error)
	Upsert(ctx context.Context, path, fingerprint string, sizeMB float64, modDate time.Time, status constants.VersionStatus) error
	ListByStatus(ctx context.Context, status constants.VersionStatus) ([]*FileVersion, error)
	MarkUnchanged(ctx context.Context, paths []string) error
}

type fileVersionRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFileVersionRepository(db *DB, logger *slog.Logger) FileVersionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileVersionRepo{db: db, logger: logger}
}

const createVersionsPostgres = `
CREATE TABLE IF NOT EXISTS file_versions (
	id                BIGSERIAL PRIMARY KEY,
	file_path         TEXT NOT NULL UNIQUE,
	file_fingerprint  VARCHAR(32) NOT NULL,
	file_size_mb      DOUBLE PRECISION,
	modification_date TIMESTAMPTZ,
	upload_date       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	status            TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'updated', 'unchanged')),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createVersionsSQLite = `
CREATE TABLE IF NOT EXISTS file_versions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path         TEXT NOT NULL UNIQUE,
	file_fingerprint  TEXT NOT NULL,
	file_size_mb      REAL,
	modification_date TIMESTAMP,
	upload_date       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	status            TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'updated', 'unchanged')),
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

var versionIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_file_versions_fingerprint ON file_versions (file_fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_file_versions_status ON file_versions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_file_versions_modification_date ON file_versions (modification_date)`,
}

// EnsureSchema idempotently creates the ledger table and its indexes.
func (r *fileVersionRepo) EnsureSchema(ctx context.Context) error {
	ddl := createVersionsSQLite
	if r.db.driver == DriverPostgres {
		ddl = createVersionsPostgres
	}
	if _, err := r.db.SQL.ExecContext(ctx, ddl); err != nil {
		r.logger.Error("failed to create file_versions table", "error", err)
		return common.WrapError(err, "ensure schema")
	}
	for _, idx := range versionIndexes {
		if _, err := r.db.SQL.ExecContext(ctx, idx); err != nil {
			r.logger.Error("failed to create file_versions index", "error", err)
			return common.WrapError(err, "ensure schema")
		}
	}
	return nil
}

const selectVersion = `
SELECT id, file_path, file_fingerprint, file_size_mb, modification_date,
       upload_date, status, created_at, updated_at
FROM file_versions`

func (r *fileVersionRepo) Get(ctx context.Context, path string) (*FileVersion, error) {
	row := r.db.SQL.QueryRowContext(ctx, r.db.rebind(selectVersion+` WHERE file_path = ?`), path)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get file version", "path", path, "error", err)
		return nil, err
	}
	return v, nil
}

// Upsert inserts or refreshes the row keyed by path. updated_at is always
// advanced; created_at and upload_date keep their insert-time values.
func (r *fileVersionRepo) Upsert(ctx context.Context, path, fingerprint string, sizeMB float64, modDate time.Time, status constants.VersionStatus) error {
	const q = `
INSERT INTO file_versions (file_path, file_fingerprint, file_size_mb, modification_date, status)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(file_path) DO UPDATE SET
	file_fingerprint  = excluded.file_fingerprint,
	file_size_mb      = excluded.file_size_mb,
	modification_date = excluded.modification_date,
	status            = excluded.status,
	updated_at        = CURRENT_TIMESTAMP`

	_, err := r.db.SQL.ExecContext(ctx, r.db.rebind(q), path, fingerprint, sizeMB, modDate, string(status))
	if err != nil {
		r.logger.Error("failed to upsert file version", "path", path, "status", status, "error", err)
		return common.WrapError(err, "upsert file version")
	}
	return nil
}

func (r *fileVersionRepo) ListByStatus(ctx context.Context, status constants.VersionStatus) ([]*FileVersion, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.rebind(selectVersion+` WHERE status = ? ORDER BY file_path`), string(status))
	if err != nil {
		r.logger.Error("failed to list file versions", "status", status, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			r.logger.Error("failed to scan file version row", "error", err)
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkUnchanged bulk-transitions the given paths to status unchanged,
// typically after the caller has finished consuming new/updated rows.
func (r *fileVersionRepo) MarkUnchanged(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(paths)), ", ")
	q := `UPDATE file_versions SET status = 'unchanged', updated_at = CURRENT_TIMESTAMP WHERE file_path IN (` + placeholders + `)`

	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	res, err := r.db.SQL.ExecContext(ctx, r.db.rebind(q), args...)
	if err != nil {
		r.logger.Error("failed to mark files processed", "count", len(paths), "error", err)
		return common.WrapError(err, "mark unchanged")
	}
	if n, err := res.RowsAffected(); err == nil {
		r.logger.Info("marked files processed", "requested", len(paths), "updated", n)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*FileVersion, error) {
	var (
		v       FileVersion
		status  string
		sizeMB  sql.NullFloat64
		modDate sql.NullTime
	)
	err := row.Scan(&v.ID, &v.FilePath, &v.Fingerprint, &sizeMB, &modDate,
		&v.UploadDate, &status, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.FileSizeMB = sizeMB.Float64
	if modDate.Valid {
		v.ModificationDate = modDate.Time
	}
	v.Status = constants.VersionStatus(status)
	return &v, nil
}
