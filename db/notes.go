package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

const (
	noteColumns = `id, author_id, text, content_warning, visibility, reply_uri, quote_uri, renote_id,
		file_ids_json, mentions_json, uri, created_at, updated_at`

	sqlSelectNoteByURI = `SELECT ` + noteColumns + ` FROM notes WHERE uri = ?`
	sqlSelectNoteById  = `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`
	sqlInsertNote      = `INSERT INTO notes(` + noteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// The WHERE clause keeps one actor from overwriting another's note.
	sqlUpsertNote = `INSERT INTO notes(` + noteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			text = excluded.text,
			content_warning = excluded.content_warning,
			visibility = excluded.visibility,
			reply_uri = excluded.reply_uri,
			quote_uri = excluded.quote_uri,
			file_ids_json = excluded.file_ids_json,
			mentions_json = excluded.mentions_json,
			updated_at = excluded.updated_at
		WHERE notes.author_id = excluded.author_id
		RETURNING ` + noteColumns

	sqlUpdateNoteContent = `UPDATE notes SET text = ?, content_warning = ?, updated_at = ? WHERE uri = ? AND author_id = ?`

	sqlDeleteNoteReactions = `DELETE FROM reactions WHERE note_id = ? OR note_id IN (SELECT id FROM notes WHERE renote_id = ?)`
	sqlDeleteNoteRenotes   = `DELETE FROM notes WHERE renote_id = ?`
	sqlDeleteNoteById      = `DELETE FROM notes WHERE id = ?`

	sqlSelectPublicNotesByAuthor = `SELECT ` + noteColumns + ` FROM notes
		WHERE author_id = ? AND visibility = 'public' AND renote_id IS NULL
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountPublicNotesByAuthor = `SELECT COUNT(*) FROM notes WHERE author_id = ? AND visibility = 'public' AND renote_id IS NULL`
)

func scanNote(row rowScanner) (*domain.Note, error) {
	var (
		n                         domain.Note
		renoteId                  sql.NullString
		fileIdsJSON, mentionsJSON string
		createdAt                 int64
		updatedAt                 sql.NullInt64
	)
	err := row.Scan(&n.Id, &n.AuthorId, &n.Text, &n.ContentWarning, &n.Visibility, &n.ReplyURI, &n.QuoteURI,
		&renoteId, &fileIdsJSON, &mentionsJSON, &n.URI, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.RenoteId, err = fromNullUUID(renoteId); err != nil {
		return nil, fmt.Errorf("decode renote id: %w", err)
	}
	if err := json.Unmarshal([]byte(fileIdsJSON), &n.FileIds); err != nil {
		return nil, fmt.Errorf("decode file ids: %w", err)
	}
	if err := json.Unmarshal([]byte(mentionsJSON), &n.Mentions); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromNullMillis(updatedAt)
	return &n, nil
}

func noteArgs(n *domain.Note) ([]any, error) {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Visibility == "" {
		n.Visibility = domain.VisibilityPublic
	}
	fileIds := n.FileIds
	if fileIds == nil {
		fileIds = []string{}
	}
	mentions := n.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	fileIdsJSON, err := json.Marshal(fileIds)
	if err != nil {
		return nil, err
	}
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return nil, err
	}
	return []any{n.Id.String(), n.AuthorId.String(), n.Text, n.ContentWarning, string(n.Visibility),
		n.ReplyURI, n.QuoteURI, toNullUUID(n.RenoteId), string(fileIdsJSON), string(mentionsJSON),
		n.URI, toMillis(n.CreatedAt), toNullMillis(n.UpdatedAt)}, nil
}

func (db *DB) FindNoteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteByURI, uri))
}

func (db *DB) FindNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteById, id.String()))
}

// CreateNote inserts a new note. Local notes are created here.
func (db *DB) CreateNote(ctx context.Context, n *domain.Note) error {
	args, err := noteArgs(n)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNote, args...)
		return err
	})
}

// UpsertNote inserts or refreshes a note keyed by URI and returns the
// stored row. It returns domain.ErrNotOwner if the URI belongs to a note
// by another author.
func (db *DB) UpsertNote(ctx context.Context, n *domain.Note) (*domain.Note, error) {
	args, err := noteArgs(n)
	if err != nil {
		return nil, err
	}

	var stored *domain.Note
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = scanNote(tx.QueryRowContext(ctx, sqlUpsertNote, args...))
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotOwner
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert note %s: %w", n.URI, err)
	}
	return stored, nil
}

// UpdateNoteContent changes the mutable fields of the note at uri when it
// is authored by authorId. It reports whether a row was changed.
func (db *DB) UpdateNoteContent(ctx context.Context, uri string, authorId uuid.UUID, text, cw string, updatedAt time.Time) (bool, error) {
	return db.execAffected(ctx, sqlUpdateNoteContent, text, cw, toMillis(updatedAt), uri, authorId.String())
}

// DeleteNote removes the note with its reactions and renotes.
func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDeleteNoteReactions, id.String(), id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteNoteRenotes, id.String()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeleteNoteById, id.String())
		return err
	})
}

func (db *DB) ListPublicNotesByAuthor(ctx context.Context, authorId uuid.UUID, limit, offset int) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPublicNotesByAuthor, authorId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

func (db *DB) CountPublicNotesByAuthor(ctx context.Context, authorId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountPublicNotesByAuthor, authorId.String()).Scan(&n)
	return n, err
}
