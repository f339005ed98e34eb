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
	actorColumns = `id, username, host, display_name, summary, avatar_url, banner_url, uri, inbox_uri,
		shared_inbox_uri, followers_uri, key_id, public_key_pem, private_key_pem, fields_json, emojis_json,
		last_fetched_at, created_at, updated_at`

	sqlSelectActorByURI           = `SELECT ` + actorColumns + ` FROM actors WHERE uri = ?`
	sqlSelectActorById            = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByKeyId         = `SELECT ` + actorColumns + ` FROM actors WHERE key_id = ? ORDER BY last_fetched_at DESC LIMIT 1`
	sqlSelectLocalActorByUsername = `SELECT ` + actorColumns + ` FROM actors WHERE host = '' AND username = ?`

	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Last write wins on everything except identity and the private key.
	sqlUpsertActor = `INSERT INTO actors(` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			username = excluded.username,
			host = excluded.host,
			display_name = excluded.display_name,
			summary = excluded.summary,
			avatar_url = excluded.avatar_url,
			banner_url = excluded.banner_url,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			followers_uri = excluded.followers_uri,
			key_id = excluded.key_id,
			public_key_pem = excluded.public_key_pem,
			private_key_pem = CASE WHEN excluded.private_key_pem <> '' THEN excluded.private_key_pem ELSE actors.private_key_pem END,
			fields_json = excluded.fields_json,
			emojis_json = excluded.emojis_json,
			last_fetched_at = excluded.last_fetched_at,
			updated_at = excluded.updated_at
		RETURNING ` + actorColumns

	sqlMarkActorStale = `UPDATE actors SET last_fetched_at = NULL WHERE id = ? AND host <> ''`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var (
		a                      domain.Actor
		fieldsJSON, emojisJSON string
		lastFetched            sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := row.Scan(&a.Id, &a.Username, &a.Host, &a.DisplayName, &a.Summary, &a.AvatarURL, &a.BannerURL,
		&a.URI, &a.InboxURI, &a.SharedInboxURI, &a.FollowersURI, &a.KeyId, &a.PublicKeyPem, &a.PrivateKeyPem,
		&fieldsJSON, &emojisJSON, &lastFetched, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &a.Fields); err != nil {
		return nil, fmt.Errorf("decode profile fields: %w", err)
	}
	if err := json.Unmarshal([]byte(emojisJSON), &a.Emojis); err != nil {
		return nil, fmt.Errorf("decode emojis: %w", err)
	}
	a.LastFetchedAt = fromNullMillis(lastFetched)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func actorArgs(a *domain.Actor) ([]any, error) {
	fields := a.Fields
	if fields == nil {
		fields = []domain.ProfileField{}
	}
	emojis := a.Emojis
	if emojis == nil {
		emojis = []domain.CustomEmoji{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	emojisJSON, err := json.Marshal(emojis)
	if err != nil {
		return nil, err
	}
	lastFetched := a.LastFetchedAt
	if a.IsLocal() {
		lastFetched = nil
	}
	return []any{a.Id.String(), a.Username, a.Host, a.DisplayName, a.Summary, a.AvatarURL, a.BannerURL,
		a.URI, a.InboxURI, a.SharedInboxURI, a.FollowersURI, a.KeyId, a.PublicKeyPem, a.PrivateKeyPem,
		string(fieldsJSON), string(emojisJSON), toNullMillis(lastFetched),
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt)}, nil
}

func (db *DB) FindActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

func (db *DB) FindActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorById, id.String()))
}

func (db *DB) FindActorByKeyId(ctx context.Context, keyId string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByKeyId, keyId))
}

func (db *DB) FindLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByUsername, username))
}

// CreateActor inserts a new actor and fails if the URI or local username
// is already taken.
func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	args, err := actorArgs(a)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActor, args...)
		return err
	})
}

// UpsertActor inserts or refreshes the actor keyed by its URI and returns
// the stored row. The stored id wins over the id of a.
func (db *DB) UpsertActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	args, err := actorArgs(a)
	if err != nil {
		return nil, err
	}

	var stored *domain.Actor
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = scanActor(tx.QueryRowContext(ctx, sqlUpsertActor, args...))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert actor %s: %w", a.URI, err)
	}
	return stored, nil
}

// MarkActorStale clears last_fetched_at so the next resolution refetches.
func (db *DB) MarkActorStale(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkActorStale, id.String())
		return err
	})
}
