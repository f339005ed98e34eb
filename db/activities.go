package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	sqlActivitySeen   = `SELECT EXISTS(SELECT 1 FROM activities WHERE id = ?)`
	sqlRecordActivity = `INSERT INTO activities(id, activity_type, actor_uri, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	sqlPruneActivities = `DELETE FROM activities WHERE received_at < ?`
)

// ActivitySeen reports whether an inbound activity id was already applied.
func (db *DB) ActivitySeen(ctx context.Context, id string) (bool, error) {
	var seen bool
	err := db.db.QueryRowContext(ctx, sqlActivitySeen, id).Scan(&seen)
	return seen, err
}

func (db *DB) RecordActivity(ctx context.Context, id, activityType, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlRecordActivity, id, activityType, actorURI, toMillis(time.Now()))
		return err
	})
}

// PruneActivities forgets activity ids received before cutoff.
func (db *DB) PruneActivities(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneActivities, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
