package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ssd-technologies/vaultrelay/internal/platform"
)

// maxCodeAttempts bounds code regeneration when a generated code collides.
const maxCodeAttempts = 8

// ErrCodeSpace is returned when every generated code collided.
var ErrCodeSpace = errors.New("storage: could not generate a unique code")

const fileColumns = `code, file_id, file_unique_id, file_type, file_name, caption, created_at, downloads, is_active`

// PutFile stores f unless an active record with the same fingerprint
// exists, in which case that record's code is returned with isNew false.
// For a new record the code comes from newCode and f.Code is set. The
// lookup and insert run as one job.
func (d *DB) PutFile(ctx context.Context, f *FileRecord, newCode func() string) (code string, isNew bool, err error) {
	err = d.exec(ctx, "put file", func(db *sql.DB) error {
		err := db.QueryRowContext(ctx,
			`SELECT code FROM files WHERE file_unique_id = ? AND is_active = 1 LIMIT 1`,
			f.Fingerprint,
		).Scan(&code)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup fingerprint: %w", err)
		}

		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			candidate := newCode()
			var taken int
			err := db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE code = ?`, candidate).Scan(&taken)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check code: %w", err)
			}

			_, err = db.ExecContext(ctx,
				`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)`,
				candidate, f.ProviderRef, f.Fingerprint, string(f.Kind), f.Name, f.Caption, f.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert file: %w", err)
			}
			code, isNew = candidate, true
			f.Code, f.Downloads, f.Active = candidate, 0, true
			return nil
		}
		return ErrCodeSpace
	})
	if err != nil {
		return "", false, err
	}
	return code, isNew, nil
}

// GetFile retrieves a file record by code.
func (d *DB) GetFile(ctx context.Context, code string) (*FileRecord, error) {
	f := &FileRecord{}
	err := d.exec(ctx, "get file", func(db *sql.DB) error {
		var (
			kind          string
			name, caption sql.NullString
			createdAt     sql.NullInt64
			active        int
		)
		err := db.QueryRowContext(ctx,
			`SELECT `+fileColumns+` FROM files WHERE code = ?`, code,
		).Scan(&f.Code, &f.ProviderRef, &f.Fingerprint, &kind, &name, &caption, &createdAt, &f.Downloads, &active)
		if err != nil {
			return err
		}
		f.Kind = platform.MediaKind(kind)
		f.Name = name.String
		f.Caption = caption.String
		f.CreatedAt = createdAt.Int64
		f.Active = active != 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// IncrementDownloads increments the download counter for a file.
func (d *DB) IncrementDownloads(ctx context.Context, code string) error {
	return d.exec(ctx, "increment downloads", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE files SET downloads = downloads + 1 WHERE code = ? AND is_active = 1`, code,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Totals returns the file count, the download sum (0 with no rows) and the
// user count.
func (d *DB) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := d.exec(ctx, "totals", func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(downloads), 0) FROM files`,
		).Scan(&t.Files, &t.Downloads); err != nil {
			return err
		}
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&t.Users)
	})
	return t, err
}
