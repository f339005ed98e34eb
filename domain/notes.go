package domain

import (
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHome      Visibility = "home"
	VisibilityFollowers Visibility = "followers"
	VisibilitySpecified Visibility = "specified"
)

// Note is a post, local or remote. A Note with a RenoteId is a renote
// (an Announce of the referenced note).
type Note struct {
	Id             uuid.UUID
	AuthorId       uuid.UUID
	Text           string
	ContentWarning string
	Visibility     Visibility
	ReplyURI       string
	QuoteURI       string
	RenoteId       *uuid.UUID
	FileIds        []string
	Mentions       []string
	URI            string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

func (n *Note) IsRenote() bool {
	return n.RenoteId != nil
}
