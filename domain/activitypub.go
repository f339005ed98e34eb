package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a directed edge between two actors.
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	FolloweeId uuid.UUID
	URI        string // Follow activity id, empty if unknown
	Accepted   bool
	CreatedAt  time.Time
}

// Reaction is a Like carrying a token such as "👍" or ":blobcat:".
type Reaction struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	NoteId    uuid.UUID
	Reaction  string
	EmojiURL  string // set for custom emoji reactions
	URI       string
	CreatedAt time.Time
}

func (r *Reaction) IsCustomEmoji() bool {
	return r.EmojiURL != ""
}

type DeliveryState string

const (
	DeliveryPending  DeliveryState = "pending"
	DeliveryInFlight DeliveryState = "in_flight"
	DeliveryFailed   DeliveryState = "failed"
)

// DeliveryJob is one signed POST of an activity to a remote inbox.
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityId    string
	ActivityJSON  string
	InboxURI      string
	SignerId      uuid.UUID
	Attempts      int
	NextAttemptAt time.Time
	State         DeliveryState
	LastStatus    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
