package storage

import (
	"context"
	"database/sql"
)

// TrackUser records userID with joinedAt unless it is already known.
func (d *DB) TrackUser(ctx context.Context, userID, joinedAt int64) error {
	return d.exec(ctx, "track user", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (user_id, joined_at) VALUES (?, ?)`, userID, joinedAt,
		)
		return err
	})
}

// ListUserIDs returns every tracked user id, oldest first.
func (d *DB) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := d.exec(ctx, "list users", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY joined_at, user_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteUser removes a user. Deleting an unknown user is not an error.
func (d *DB) DeleteUser(ctx context.Context, userID int64) error {
	return d.exec(ctx, "delete user", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
		return err
	})
}
