package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

// The stores below are the persistence contracts of the federation engine.
// Every create/delete is conditional on natural keys so concurrent inbound
// activities cannot race each other into duplicate or lost rows.

type ActorStore interface {
	FindActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	FindActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	FindActorByKeyId(ctx context.Context, keyId string) (*domain.Actor, error)
	FindLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
	CreateActor(ctx context.Context, a *domain.Actor) error
	UpsertActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error)
	MarkActorStale(ctx context.Context, id uuid.UUID) error
}

type FollowStore interface {
	CreateFollow(ctx context.Context, f *domain.Follow) (bool, error)
	DeleteFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error)
	DeleteFollowByURI(ctx context.Context, uri string, followerId uuid.UUID) (bool, error)
	FollowExists(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error)
	AcceptFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error)
	FindFollow(ctx context.Context, followerId, followeeId uuid.UUID) (*domain.Follow, error)
	FindFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	ListFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.Actor, error)
	CountFollowers(ctx context.Context, followeeId uuid.UUID) (int, error)
}

type NoteStore interface {
	FindNoteByURI(ctx context.Context, uri string) (*domain.Note, error)
	FindNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	CreateNote(ctx context.Context, n *domain.Note) error
	UpsertNote(ctx context.Context, n *domain.Note) (*domain.Note, error)
	UpdateNoteContent(ctx context.Context, uri string, authorId uuid.UUID, text, cw string, updatedAt time.Time) (bool, error)
	DeleteNote(ctx context.Context, id uuid.UUID) error
}

type ReactionStore interface {
	CreateReaction(ctx context.Context, r *domain.Reaction) (bool, error)
	DeleteReaction(ctx context.Context, actorId, noteId uuid.UUID) (bool, error)
	DeleteReactionByURI(ctx context.Context, uri string, actorId uuid.UUID) (bool, error)
	FindReactionCounts(ctx context.Context, noteId uuid.UUID) (map[string]int, error)
}

type RenoteStore interface {
	CreateRenote(ctx context.Context, n *domain.Note) (bool, error)
	DeleteRenote(ctx context.Context, authorId, noteId uuid.UUID) (bool, error)
	DeleteRenoteByURI(ctx context.Context, uri string, authorId uuid.UUID) (bool, error)
}

// ActivityLog remembers applied inbound activity ids.
type ActivityLog interface {
	ActivitySeen(ctx context.Context, id string) (bool, error)
	RecordActivity(ctx context.Context, id, activityType, actorURI string) error
}

// DeliveryQueue is the durable queue drained by the delivery workers.
type DeliveryQueue interface {
	EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) error
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error)
	CompleteDelivery(ctx context.Context, id uuid.UUID) error
	RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, next time.Time, status int, lastErr string) error
	FailDelivery(ctx context.Context, id uuid.UUID, attempts int, status int, lastErr string) error
	ReleaseDelivery(ctx context.Context, id uuid.UUID) error
	ReleaseInFlightDeliveries(ctx context.Context) (int64, error)
}
