package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no row matches the lookup.
var ErrNotFound = errors.New("not found")

// ProfileField is a name/value pair from an actor's attachment list.
type ProfileField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CustomEmoji is a shortcode with an image, e.g. ":blobcat:".
type CustomEmoji struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Actor is a federated identity. Local actors have an empty Host and a
// private key; remote actors carry the time they were last fetched.
type Actor struct {
	Id             uuid.UUID
	Username       string
	Host           string
	DisplayName    string
	Summary        string
	AvatarURL      string
	BannerURL      string
	URI            string
	InboxURI       string
	SharedInboxURI string
	FollowersURI   string
	KeyId          string
	PublicKeyPem   string
	PrivateKeyPem  string
	Fields         []ProfileField
	Emojis         []CustomEmoji
	LastFetchedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

// Handle returns "user@host" for remote actors and "user" for local ones.
func (a *Actor) Handle() string {
	if a.IsLocal() {
		return a.Username
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Host)
}

// DeliveryInbox is the inbox a delivery job should target.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}
