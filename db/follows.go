package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_id, followee_id, uri, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_id, followee_id) DO NOTHING`
	sqlDeleteFollow      = `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowByURI = `DELETE FROM follows WHERE uri = ? AND follower_id = ?`
	sqlFollowExists      = `SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?)`
	sqlAcceptFollow      = `UPDATE follows SET accepted = 1 WHERE follower_id = ? AND followee_id = ? AND accepted = 0`
	sqlSelectFollowByURI = `SELECT id, follower_id, followee_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollow      = `SELECT id, follower_id, followee_id, uri, accepted, created_at FROM follows
		WHERE follower_id = ? AND followee_id = ?`
	sqlCountFollowers    = `SELECT COUNT(*) FROM follows WHERE followee_id = ?`
	sqlSelectFollowers   = `SELECT ` + actorColumns + ` FROM actors
		WHERE id IN (SELECT follower_id FROM follows WHERE followee_id = ?)
		ORDER BY created_at`
)

// CreateFollow inserts the edge unless one already exists for the pair.
// It reports whether a new edge was written.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) (bool, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFollow, f.Id.String(), f.FollowerId.String(), f.FolloweeId.String(),
			f.URI, f.Accepted, toMillis(f.CreatedAt))
		if err != nil {
			return err
		}
		created, err = affected(res)
		return err
	})
	return created, err
}

// DeleteFollow removes the edge for the pair, reporting whether one existed.
func (db *DB) DeleteFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteFollow, followerId.String(), followeeId.String())
}

// DeleteFollowByURI removes the edge created by the Follow activity uri,
// but only when followerId is the follower.
func (db *DB) DeleteFollowByURI(ctx context.Context, uri string, followerId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteFollowByURI, uri, followerId.String())
}

func (db *DB) FollowExists(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error) {
	var exists bool
	err := db.db.QueryRowContext(ctx, sqlFollowExists, followerId.String(), followeeId.String()).Scan(&exists)
	return exists, err
}

// AcceptFollow marks the edge accepted. It reports false if the edge is
// missing or was already accepted.
func (db *DB) AcceptFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlAcceptFollow, followerId.String(), followeeId.String())
}

func (db *DB) FindFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
}

// FindFollow returns the edge for the pair.
func (db *DB) FindFollow(ctx context.Context, followerId, followeeId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, followerId.String(), followeeId.String()))
}

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var (
		f         domain.Follow
		createdAt int64
	)
	err := row.Scan(&f.Id, &f.FollowerId, &f.FolloweeId, &f.URI, &f.Accepted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(createdAt)
	return &f, nil
}

func (db *DB) CountFollowers(ctx context.Context, followeeId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, followeeId.String()).Scan(&n)
	return n, err
}

// ListFollowers returns the actors following followeeId.
func (db *DB) ListFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowers, followeeId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func (db *DB) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	var changed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		changed, err = affected(res)
		return err
	})
	return changed, err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
