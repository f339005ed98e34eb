package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/domain"
	"github.com/deemkeen/rox/util"
	"github.com/google/uuid"
)

// ActivityKind names an outbound activity shape.
type ActivityKind string

const (
	KindFollow       ActivityKind = "Follow"
	KindUndoFollow   ActivityKind = "Undo{Follow}"
	KindAcceptFollow ActivityKind = "Accept{Follow}"
	KindCreateNote   ActivityKind = "Create{Note}"
	KindUpdateNote   ActivityKind = "Update{Note}"
	KindUpdatePerson ActivityKind = "Update{Person}"
	KindDelete       ActivityKind = "Delete"
	KindLike         ActivityKind = "Like"
	KindUndoLike     ActivityKind = "Undo{Like}"
	KindAnnounce     ActivityKind = "Announce"
	KindUndoAnnounce ActivityKind = "Undo{Announce}"
)

// Payload carries what an activity kind needs. Actor is always the local
// actor performing the activity and signing its delivery.
type Payload struct {
	Actor *domain.Actor

	// Note is the note created, updated, deleted, liked or announced.
	Note *domain.Note
	// NoteAuthor is the author of Note; required for Like and Announce.
	NoteAuthor *domain.Actor

	// Object is the other actor of Follow, Undo{Follow} and Accept{Follow}.
	Object *domain.Actor
	// ObjectURI is the id of the activity being accepted or undone, or the
	// bare URI of a deleted object.
	ObjectURI string

	Reaction string
	EmojiURL string

	// ActivityID overrides the generated id.
	ActivityID string
}

// Outbox turns local events into addressed activities and hands them to
// the delivery queue. It never waits for a remote server.
type Outbox struct {
	baseURL  string
	instance string
	follows  FollowStore
	delivery *Delivery
	logger   *log.Logger
	now      func() time.Time
}

// NewOutbox builds an outbox for the instance at baseURL. instanceActor is
// the username rendered as an Application.
func NewOutbox(baseURL, instanceActor string, follows FollowStore, delivery *Delivery, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.Default()
	}
	return &Outbox{
		baseURL:  baseURL,
		instance: instanceActor,
		follows:  follows,
		delivery: delivery,
		logger:   logger.WithPrefix("Outbox"),
		now:      time.Now,
	}
}

// Enqueue builds the activity and queues one delivery per distinct inbox.
// Broadcast kinds also go to the actor's followers. It returns the
// activity id.
func (o *Outbox) Enqueue(ctx context.Context, kind ActivityKind, p Payload, targets []*domain.Actor) (string, error) {
	activity, err := o.BuildActivity(kind, p)
	if err != nil {
		return "", err
	}
	id := activity["id"].(string)

	recipients := append([]*domain.Actor(nil), targets...)
	switch kind {
	case KindFollow, KindUndoFollow, KindAcceptFollow:
		recipients = append(recipients, p.Object)
	case KindLike, KindUndoLike:
		recipients = append(recipients, p.NoteAuthor)
	case KindAnnounce, KindUndoAnnounce:
		recipients = append(recipients, p.NoteAuthor)
		if err := o.addFollowers(ctx, p.Actor, &recipients); err != nil {
			return "", err
		}
	case KindCreateNote, KindUpdateNote, KindDelete:
		if p.Note != nil && p.Note.Visibility == domain.VisibilitySpecified {
			break
		}
		if err := o.addFollowers(ctx, p.Actor, &recipients); err != nil {
			return "", err
		}
	case KindUpdatePerson:
		if err := o.addFollowers(ctx, p.Actor, &recipients); err != nil {
			return "", err
		}
	}

	queued, err := o.delivery.Enqueue(ctx, p.Actor.Id, activity, recipients)
	if err != nil {
		return "", err
	}
	o.logger.Info("Queued activity", "kind", kind, "id", id, "deliveries", queued)
	return id, nil
}

func (o *Outbox) addFollowers(ctx context.Context, actor *domain.Actor, recipients *[]*domain.Actor) error {
	followers, err := o.follows.ListFollowers(ctx, actor.Id)
	if err != nil {
		return fmt.Errorf("list followers of %s: %w", actor.Username, err)
	}
	for i := range followers {
		*recipients = append(*recipients, &followers[i])
	}
	return nil
}

// Follow writes the follow edge immediately and sends the Follow. Edges to
// local actors are accepted at once and nothing is delivered.
func (o *Outbox) Follow(ctx context.Context, follower, followee *domain.Actor) (*domain.Follow, error) {
	if follower.Id == followee.Id {
		return nil, errors.New("cannot follow yourself")
	}
	f := &domain.Follow{
		FollowerId: follower.Id,
		FolloweeId: followee.Id,
		URI:        o.newActivityID(),
		Accepted:   followee.IsLocal(),
	}
	created, err := o.follows.CreateFollow(ctx, f)
	if err != nil {
		return nil, err
	}
	if !created {
		return o.follows.FindFollow(ctx, follower.Id, followee.Id)
	}
	if followee.IsLocal() {
		return f, nil
	}
	if _, err := o.Enqueue(ctx, KindFollow, Payload{Actor: follower, Object: followee, ActivityID: f.URI}, nil); err != nil {
		return nil, err
	}
	return f, nil
}

// Unfollow deletes the edge and sends Undo{Follow} for remote followees.
// A missing edge is a no-op.
func (o *Outbox) Unfollow(ctx context.Context, follower, followee *domain.Actor) error {
	f, err := o.follows.FindFollow(ctx, follower.Id, followee.Id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := o.follows.DeleteFollow(ctx, follower.Id, followee.Id); err != nil {
		return err
	}
	if followee.IsLocal() {
		return nil
	}
	_, err = o.Enqueue(ctx, KindUndoFollow, Payload{Actor: follower, Object: followee, ObjectURI: f.URI}, nil)
	return err
}

func (o *Outbox) newActivityID() string {
	return fmt.Sprintf("%s/activities/%s", o.baseURL, uuid.New())
}

// NoteURI is the canonical URI of a local note.
func (o *Outbox) NoteURI(n *domain.Note) string {
	if n.URI != "" {
		return n.URI
	}
	return fmt.Sprintf("%s/notes/%s", o.baseURL, n.Id)
}

// BuildActivity renders the JSON envelope of kind.
func (o *Outbox) BuildActivity(kind ActivityKind, p Payload) (map[string]any, error) {
	if p.Actor == nil {
		return nil, errors.New("activity without actor")
	}
	id := p.ActivityID
	if id == "" {
		id = o.newActivityID()
	}
	activity := map[string]any{
		"@context":  activityStreamsContext,
		"id":        id,
		"actor":     p.Actor.URI,
		"published": o.now().UTC().Format(time.RFC3339),
	}

	switch kind {
	case KindFollow, KindUndoFollow, KindAcceptFollow:
		if p.Object == nil {
			return nil, fmt.Errorf("%s without object actor", kind)
		}
		activity["to"] = []string{p.Object.URI}
		switch kind {
		case KindFollow:
			activity["type"] = "Follow"
			activity["object"] = p.Object.URI
		case KindUndoFollow:
			activity["type"] = "Undo"
			activity["object"] = embedded(p.ObjectURI, "Follow", p.Actor.URI, p.Object.URI)
		case KindAcceptFollow:
			activity["type"] = "Accept"
			activity["object"] = embedded(p.ObjectURI, "Follow", p.Object.URI, p.Actor.URI)
		}

	case KindCreateNote, KindUpdateNote:
		if p.Note == nil {
			return nil, fmt.Errorf("%s without note", kind)
		}
		note := o.NoteObject(p.Note, p.Actor)
		activity["type"] = "Create"
		if kind == KindUpdateNote {
			activity["type"] = "Update"
			if _, ok := note["updated"]; !ok {
				note["updated"] = o.now().UTC().Format(time.RFC3339)
			}
		}
		activity["object"] = note
		activity["to"], activity["cc"] = note["to"], note["cc"]

	case KindUpdatePerson:
		activity["type"] = "Update"
		activity["object"] = o.ActorDocument(p.Actor)
		activity["to"] = []string{PublicCollection}
		activity["cc"] = []string{p.Actor.FollowersURI}

	case KindDelete:
		activity["type"] = "Delete"
		switch {
		case p.Note != nil:
			activity["object"] = map[string]any{"id": o.NoteURI(p.Note), "type": "Tombstone"}
		case p.ObjectURI != "":
			activity["object"] = p.ObjectURI
		default:
			return nil, errors.New("Delete without object")
		}
		activity["to"] = []string{PublicCollection}
		activity["cc"] = []string{p.Actor.FollowersURI}

	case KindLike, KindUndoLike, KindAnnounce, KindUndoAnnounce:
		if p.Note == nil || p.NoteAuthor == nil {
			return nil, fmt.Errorf("%s without note and author", kind)
		}
		noteURI := o.NoteURI(p.Note)
		switch kind {
		case KindLike:
			activity["type"] = "Like"
			activity["object"] = noteURI
			o.addReaction(activity, p)
			activity["to"] = []string{p.NoteAuthor.URI}
		case KindUndoLike:
			like := embedded(p.ObjectURI, "Like", p.Actor.URI, noteURI)
			o.addReaction(like, p)
			activity["type"] = "Undo"
			activity["object"] = like
			activity["to"] = []string{p.NoteAuthor.URI}
		case KindAnnounce:
			activity["type"] = "Announce"
			activity["object"] = noteURI
			activity["to"] = []string{p.NoteAuthor.URI}
			activity["cc"] = []string{PublicCollection, p.Actor.FollowersURI}
		case KindUndoAnnounce:
			activity["type"] = "Undo"
			activity["object"] = embedded(p.ObjectURI, "Announce", p.Actor.URI, noteURI)
			activity["to"] = []string{p.NoteAuthor.URI}
			activity["cc"] = []string{PublicCollection, p.Actor.FollowersURI}
		}

	default:
		return nil, fmt.Errorf("unsupported activity kind %q", kind)
	}
	return activity, nil
}

// addReaction adds the Misskey reaction fields to a Like.
func (o *Outbox) addReaction(like map[string]any, p Payload) {
	if p.Reaction == "" {
		return
	}
	like["content"] = p.Reaction
	like["_misskey_reaction"] = p.Reaction
	if p.EmojiURL != "" && isCustomEmoji(p.Reaction) {
		like["tag"] = []map[string]any{{
			"id":   p.EmojiURL,
			"type": "Emoji",
			"name": p.Reaction,
			"icon": map[string]any{"type": "Image", "url": p.EmojiURL},
		}}
	}
}

func embedded(id, kind, actor, object string) map[string]any {
	m := map[string]any{"type": kind, "actor": actor, "object": object}
	if id != "" {
		m["id"] = id
	}
	return m
}

// NoteObject renders a local note. The plain text travels in source and
// _misskey_content next to the HTML content.
func (o *Outbox) NoteObject(n *domain.Note, author *domain.Actor) map[string]any {
	to, cc := noteAddressing(n, author)
	note := map[string]any{
		"@context":     activityStreamsContext,
		"id":           o.NoteURI(n),
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      util.TextToHTML(n.Text),
		"source": map[string]any{
			"content":   n.Text,
			"mediaType": "text/plain",
		},
		"_misskey_content": n.Text,
		"published":        n.CreatedAt.UTC().Format(time.RFC3339),
		"to":               to,
		"cc":               cc,
	}
	if n.ContentWarning != "" {
		note["summary"] = n.ContentWarning
		note["sensitive"] = true
	}
	if n.ReplyURI != "" {
		note["inReplyTo"] = n.ReplyURI
	}
	if n.QuoteURI != "" {
		note["quoteUrl"] = n.QuoteURI
		note["_misskey_quote"] = n.QuoteURI
	}
	if n.UpdatedAt != nil {
		note["updated"] = n.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if len(n.FileIds) > 0 {
		attachments := make([]map[string]any, 0, len(n.FileIds))
		for _, f := range n.FileIds {
			attachments = append(attachments, map[string]any{"type": "Document", "url": f})
		}
		note["attachment"] = attachments
	}
	if len(n.Mentions) > 0 {
		tags := make([]map[string]any, 0, len(n.Mentions))
		for _, m := range n.Mentions {
			tags = append(tags, map[string]any{"type": "Mention", "href": m})
		}
		note["tag"] = tags
	}
	return note
}

func noteAddressing(n *domain.Note, author *domain.Actor) ([]string, []string) {
	followers := author.FollowersURI
	mentions := append([]string(nil), n.Mentions...)
	switch n.Visibility {
	case domain.VisibilityHome:
		return []string{followers}, append([]string{PublicCollection}, mentions...)
	case domain.VisibilityFollowers:
		return []string{followers}, mentions
	case domain.VisibilitySpecified:
		return mentions, []string{}
	default:
		return []string{PublicCollection}, append([]string{followers}, mentions...)
	}
}

// ActorDocument renders a local actor. The instance actor is an
// Application, everyone else a Person.
func (o *Outbox) ActorDocument(a *domain.Actor) map[string]any {
	kind := "Person"
	if a.Username == o.instance {
		kind = "Application"
	}
	name := a.DisplayName
	if name == "" {
		name = a.Username
	}
	doc := map[string]any{
		"@context":                  []string{activityStreamsContext, securityContext},
		"id":                        a.URI,
		"type":                      kind,
		"preferredUsername":         a.Username,
		"name":                      name,
		"summary":                   util.TextToHTML(a.Summary),
		"inbox":                     a.InboxURI,
		"outbox":                    a.URI + "/outbox",
		"followers":                 a.FollowersURI,
		"url":                       a.URI,
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints":                 map[string]any{"sharedInbox": a.SharedInboxURI},
		"publicKey": map[string]any{
			"id":           a.KeyId,
			"owner":        a.URI,
			"publicKeyPem": a.PublicKeyPem,
		},
	}
	if a.AvatarURL != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": a.AvatarURL}
	}
	if a.BannerURL != "" {
		doc["image"] = map[string]any{"type": "Image", "url": a.BannerURL}
	}
	if len(a.Fields) > 0 {
		fields := make([]map[string]any, 0, len(a.Fields))
		for _, f := range a.Fields {
			fields = append(fields, map[string]any{
				"type":  "PropertyValue",
				"name":  f.Name,
				"value": util.MarkdownLinksToHTML(f.Value),
			})
		}
		doc["attachment"] = fields
	}
	return doc
}
