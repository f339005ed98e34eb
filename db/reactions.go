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
	sqlInsertReaction = `INSERT INTO reactions(id, actor_id, note_id, reaction, emoji_url, uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, note_id) DO NOTHING`
	sqlDeleteReaction      = `DELETE FROM reactions WHERE actor_id = ? AND note_id = ?`
	sqlDeleteReactionByURI = `DELETE FROM reactions WHERE uri = ? AND actor_id = ?`
	sqlSelectReaction      = `SELECT id, actor_id, note_id, reaction, emoji_url, uri, created_at FROM reactions
		WHERE actor_id = ? AND note_id = ?`
	sqlSelectReactionCounts = `SELECT reaction, COUNT(*) FROM reactions WHERE note_id = ? GROUP BY reaction`

	sqlInsertRenote = `INSERT INTO notes(` + noteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`
	sqlDeleteRenote      = `DELETE FROM notes WHERE author_id = ? AND renote_id = ?`
	sqlDeleteRenoteByURI = `DELETE FROM notes WHERE uri = ? AND author_id = ? AND renote_id IS NOT NULL`
	sqlCountRenotes      = `SELECT COUNT(*) FROM notes WHERE renote_id = ?`
)

// CreateReaction stores the first reaction of an actor on a note. Later
// reactions from the same actor are ignored and false is returned.
func (db *DB) CreateReaction(ctx context.Context, r *domain.Reaction) (bool, error) {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return db.execAffected(ctx, sqlInsertReaction, r.Id.String(), r.ActorId.String(), r.NoteId.String(),
		r.Reaction, r.EmojiURL, r.URI, toMillis(r.CreatedAt))
}

func (db *DB) DeleteReaction(ctx context.Context, actorId, noteId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteReaction, actorId.String(), noteId.String())
}

// DeleteReactionByURI removes the reaction created by the Like activity
// uri when actorId made it.
func (db *DB) DeleteReactionByURI(ctx context.Context, uri string, actorId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteReactionByURI, uri, actorId.String())
}

func (db *DB) FindReaction(ctx context.Context, actorId, noteId uuid.UUID) (*domain.Reaction, error) {
	var (
		r         domain.Reaction
		createdAt int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectReaction, actorId.String(), noteId.String()).
		Scan(&r.Id, &r.ActorId, &r.NoteId, &r.Reaction, &r.EmojiURL, &r.URI, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// FindReactionCounts returns the number of reactions per token on a note.
func (db *DB) FindReactionCounts(ctx context.Context, noteId uuid.UUID) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectReactionCounts, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			token string
			n     int
		)
		if err := rows.Scan(&token, &n); err != nil {
			return nil, err
		}
		counts[token] = n
	}
	return counts, rows.Err()
}

// CreateRenote stores n as a renote. It reports false when the author has
// already renoted the target or the URI is taken.
func (db *DB) CreateRenote(ctx context.Context, n *domain.Note) (bool, error) {
	if n.RenoteId == nil {
		return false, errors.New("renote without target")
	}
	args, err := noteArgs(n)
	if err != nil {
		return false, err
	}
	return db.execAffected(ctx, sqlInsertRenote, args...)
}

func (db *DB) DeleteRenote(ctx context.Context, authorId, noteId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteRenote, authorId.String(), noteId.String())
}

func (db *DB) DeleteRenoteByURI(ctx context.Context, uri string, authorId uuid.UUID) (bool, error) {
	return db.execAffected(ctx, sqlDeleteRenoteByURI, uri, authorId.String())
}

func (db *DB) CountRenotes(ctx context.Context, noteId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountRenotes, noteId.String()).Scan(&n)
	return n, err
}
