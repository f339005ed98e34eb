package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/domain"
)

// defaultLikeReaction is stored for Likes that carry no token.
const defaultLikeReaction = "👍"

// InboxDeps are the collaborators of the inbox processor.
type InboxDeps struct {
	Actors     ActorStore
	Follows    FollowStore
	Notes      NoteStore
	Reactions  ReactionStore
	Renotes    RenoteStore
	Activities ActivityLog
	Keys       *KeyStore
	Resolver   *Resolver
	Outbox     *Outbox
	Verifier   *SignatureVerifier
	// MaxBodyBytes caps inbound payloads; zero means 1 MiB.
	MaxBodyBytes int64
	Logger       *log.Logger
}

// Inbox authenticates inbound activities and applies their side effects.
type Inbox struct {
	actors     ActorStore
	follows    FollowStore
	notes      NoteStore
	reactions  ReactionStore
	renotes    RenoteStore
	activities ActivityLog
	keys       *KeyStore
	resolver   *Resolver
	outbox     *Outbox
	verifier   *SignatureVerifier
	maxBody    int64
	logger     *log.Logger
	now        func() time.Time
}

func NewInbox(deps InboxDeps) *Inbox {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = maxDocumentSize
	}
	if deps.Verifier == nil {
		deps.Verifier = &SignatureVerifier{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Inbox{
		actors:     deps.Actors,
		follows:    deps.Follows,
		notes:      deps.Notes,
		reactions:  deps.Reactions,
		renotes:    deps.Renotes,
		activities: deps.Activities,
		keys:       deps.Keys,
		resolver:   deps.Resolver,
		outbox:     deps.Outbox,
		verifier:   deps.Verifier,
		maxBody:    deps.MaxBodyBytes,
		logger:     deps.Logger.WithPrefix("Inbox"),
		now:        time.Now,
	}
}

// HandleInbox serves POST /users/{username}/inbox, or the shared inbox
// when username is empty.
func (i *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	ctx := r.Context()

	var recipient *domain.Actor
	if username != "" {
		actor, err := i.actors.FindLocalActorByUsername(ctx, username)
		if err != nil {
			status := StatusFor(err)
			i.logger.Warn("Unknown inbox", "username", username, "err", err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		recipient = actor
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	err = i.Receive(ctx, r, body, recipient)
	status := StatusFor(err)
	if err != nil {
		i.logger.Warn("Rejected activity", "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.WriteHeader(status)
}

// Receive authenticates body as sent with r and applies it. A nil error
// means the activity is applied or was already applied.
func (i *Inbox) Receive(ctx context.Context, r *http.Request, body []byte, recipient *domain.Actor) error {
	signer, err := i.Authenticate(ctx, r, body)
	if err != nil {
		return err
	}
	activity, err := ParseActivity(body)
	if err != nil {
		return err
	}
	if stripFragment(activity.Actor) != signer.URI {
		return forbidden("activity actor %s was signed by %s", activity.Actor, signer.URI)
	}

	if activity.ID != "" {
		// activity ids live on the signer's host
		if !sameHost(activity.ID, signer.URI) {
			return forbidden("activity %s does not belong to %s", activity.ID, signer.URI)
		}
		seen, err := i.activities.ActivitySeen(ctx, activity.ID)
		if err != nil {
			return err
		}
		if seen {
			i.logger.Debug("Duplicate activity", "id", activity.ID)
			return nil
		}
	}

	i.logger.Info("Received activity", "type", activity.Type, "actor", signer.Handle(), "id", activity.ID)
	if err := i.Process(ctx, signer, recipient, activity); err != nil {
		return err
	}
	if activity.ID != "" {
		if err := i.activities.RecordActivity(ctx, activity.ID, activity.Type, signer.URI); err != nil {
			i.logger.Error("Failed to record activity", "id", activity.ID, "err", err)
		}
	}
	return nil
}

// Authenticate verifies the request signature and returns the actor owning
// the key. A remote key that fails verification is refetched once, which
// covers key rotation.
func (i *Inbox) Authenticate(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error) {
	params, err := i.verifier.Check(r, body)
	if err != nil {
		return nil, err
	}
	signer, err := i.resolver.ResolveKeyOwner(ctx, params.KeyId)
	if err != nil {
		if !errors.Is(err, ErrAuthentication) {
			err = fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, err
	}

	verr := i.verifyWith(r, signer)
	if verr == nil {
		return signer, nil
	}
	if signer.IsLocal() {
		return nil, verr
	}

	refreshed, err := i.resolver.Refresh(ctx, signer.URI)
	if err != nil || refreshed.PublicKeyPem == signer.PublicKeyPem || refreshed.KeyId != params.KeyId {
		return nil, verr
	}
	i.logger.Info("Actor key changed", "actor", refreshed.URI)
	if err := i.verifyWith(r, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (i *Inbox) verifyWith(r *http.Request, signer *domain.Actor) error {
	pub, err := i.keys.PublicKeyOf(signer)
	if err != nil {
		return authError("%v", err)
	}
	return i.verifier.VerifyWithKey(r, pub)
}

// Process dispatches an authenticated activity. signer has been verified;
// recipient is nil for the shared inbox. Unknown types are ignored.
func (i *Inbox) Process(ctx context.Context, signer, recipient *domain.Actor, a *Activity) error {
	switch a.Type {
	case "Follow":
		return i.handleFollow(ctx, signer, a)
	case "Undo":
		return i.handleUndo(ctx, signer, a)
	case "Accept":
		return i.handleAccept(ctx, signer, a)
	case "Create":
		return i.handleCreate(ctx, signer, a)
	case "Update":
		return i.handleUpdate(ctx, signer, a)
	case "Delete":
		return i.handleDelete(ctx, signer, a)
	case "Like", "EmojiReact":
		return i.handleLike(ctx, signer, a)
	case "Announce":
		return i.handleAnnounce(ctx, signer, a)
	default:
		inbox := "shared"
		if recipient != nil {
			inbox = recipient.Username
		}
		i.logger.Debug("Ignoring unsupported activity", "type", a.Type, "inbox", inbox)
		return nil
	}
}

func (i *Inbox) handleFollow(ctx context.Context, signer *domain.Actor, a *Activity) error {
	if a.ObjectID == "" {
		return malformed("Follow without object")
	}
	followee, err := i.actors.FindActorByURI(ctx, stripFragment(a.ObjectID))
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !followee.IsLocal()) {
		return malformed("Follow target %s is not a local actor", a.ObjectID)
	}
	if err != nil {
		return err
	}

	created, err := i.follows.CreateFollow(ctx, &domain.Follow{
		FollowerId: signer.Id,
		FolloweeId: followee.Id,
		URI:        a.ID,
		Accepted:   true,
	})
	if err != nil {
		return fmt.Errorf("create follow: %w", err)
	}
	if created {
		i.logger.Info("New follower", "follower", signer.Handle(), "followee", followee.Username)
	} else {
		i.logger.Debug("Follow already exists", "follower", signer.Handle(), "followee", followee.Username)
	}

	_, err = i.outbox.Enqueue(ctx, KindAcceptFollow, Payload{Actor: followee, Object: signer, ObjectURI: a.ID}, nil)
	return err
}

func (i *Inbox) handleUndo(ctx context.Context, signer *domain.Actor, a *Activity) error {
	inner := a.Object
	if inner == nil {
		if a.ObjectID == "" {
			return malformed("Undo without object")
		}
		return i.undoByURI(ctx, signer, a.ObjectID)
	}
	if inner.Actor != "" && stripFragment(inner.Actor) != signer.URI {
		return forbidden("%s cannot undo an activity of %s", signer.URI, inner.Actor)
	}

	switch inner.Type {
	case "Follow":
		if followee, err := i.actors.FindActorByURI(ctx, stripFragment(inner.ObjectID)); err == nil {
			removed, err := i.follows.DeleteFollow(ctx, signer.Id, followee.Id)
			i.logRemoved("follow", removed, signer)
			return err
		}
		removed, err := i.follows.DeleteFollowByURI(ctx, inner.ID, signer.Id)
		i.logRemoved("follow", removed, signer)
		return err
	case "Like", "EmojiReact":
		if note, err := i.notes.FindNoteByURI(ctx, inner.ObjectID); err == nil {
			removed, err := i.reactions.DeleteReaction(ctx, signer.Id, note.Id)
			i.logRemoved("reaction", removed, signer)
			return err
		}
		removed, err := i.reactions.DeleteReactionByURI(ctx, inner.ID, signer.Id)
		i.logRemoved("reaction", removed, signer)
		return err
	case "Announce":
		if note, err := i.notes.FindNoteByURI(ctx, inner.ObjectID); err == nil {
			removed, err := i.renotes.DeleteRenote(ctx, signer.Id, note.Id)
			i.logRemoved("renote", removed, signer)
			return err
		}
		removed, err := i.renotes.DeleteRenoteByURI(ctx, inner.ID, signer.Id)
		i.logRemoved("renote", removed, signer)
		return err
	case "":
		return i.undoByURI(ctx, signer, inner.ID)
	default:
		i.logger.Debug("Ignoring Undo of unsupported activity", "type", inner.Type)
		return nil
	}
}

// undoByURI handles an Undo that only names the undone activity. Every
// store is keyed by activity URI and signer, so trying them in turn is safe.
func (i *Inbox) undoByURI(ctx context.Context, signer *domain.Actor, uri string) error {
	if uri == "" {
		return malformed("Undo without object id")
	}
	removed, err := i.follows.DeleteFollowByURI(ctx, uri, signer.Id)
	if err != nil || removed {
		i.logRemoved("follow", removed, signer)
		return err
	}
	removed, err = i.reactions.DeleteReactionByURI(ctx, uri, signer.Id)
	if err != nil || removed {
		i.logRemoved("reaction", removed, signer)
		return err
	}
	removed, err = i.renotes.DeleteRenoteByURI(ctx, uri, signer.Id)
	i.logRemoved("renote", removed, signer)
	return err
}

func (i *Inbox) logRemoved(what string, removed bool, signer *domain.Actor) {
	if removed {
		i.logger.Info("Undone", "what", what, "actor", signer.Handle())
	} else {
		i.logger.Debug("Nothing to undo", "what", what, "actor", signer.Handle())
	}
}

// handleAccept confirms a Follow we sent. The edge was written when the
// Follow went out, so this only flags it accepted.
func (i *Inbox) handleAccept(ctx context.Context, signer *domain.Actor, a *Activity) error {
	inner := a.Object
	if inner != nil && inner.Type != "" && inner.Type != "Follow" {
		i.logger.Debug("Ignoring Accept of unsupported activity", "type", inner.Type)
		return nil
	}

	var follower *domain.Actor
	if inner != nil && inner.Actor != "" {
		if inner.ObjectID != "" && stripFragment(inner.ObjectID) != signer.URI {
			return forbidden("%s cannot accept a follow of %s", signer.URI, inner.ObjectID)
		}
		actor, err := i.actors.FindActorByURI(ctx, stripFragment(inner.Actor))
		if errors.Is(err, domain.ErrNotFound) {
			i.logger.Warn("Accept for unknown follower", "follower", inner.Actor)
			return nil
		}
		if err != nil {
			return err
		}
		follower = actor
	} else {
		followURI := a.ObjectID
		f, err := i.follows.FindFollowByURI(ctx, followURI)
		if errors.Is(err, domain.ErrNotFound) {
			i.logger.Warn("Accept for unknown follow", "follow", followURI)
			return nil
		}
		if err != nil {
			return err
		}
		if f.FolloweeId != signer.Id {
			return forbidden("%s cannot accept follow %s", signer.URI, followURI)
		}
		if follower, err = i.actors.FindActorById(ctx, f.FollowerId); err != nil {
			return err
		}
	}

	accepted, err := i.follows.AcceptFollow(ctx, follower.Id, signer.Id)
	if err != nil {
		return err
	}
	if accepted {
		i.logger.Info("Follow accepted", "follower", follower.Username, "followee", signer.Handle())
	} else {
		i.logger.Info("Follow already confirmed", "follower", follower.Username, "followee", signer.Handle())
	}
	return nil
}

func (i *Inbox) handleCreate(ctx context.Context, signer *domain.Actor, a *Activity) error {
	o := a.Object
	if o == nil {
		if a.ObjectID == "" {
			return malformed("Create without object")
		}
		doc, err := i.resolver.FetchObject(ctx, a.ObjectID)
		if err != nil {
			return err
		}
		o = normalizeObject(doc)
	}
	if !isNoteType(o.Type) {
		i.logger.Debug("Ignoring Create of unsupported object", "type", o.Type)
		return nil
	}
	if o.ID == "" {
		return malformed("Create object has no id")
	}
	if stripFragment(o.AttributedTo) != signer.URI {
		return forbidden("note %s is attributed to %s, signed by %s", o.ID, o.AttributedTo, signer.URI)
	}
	if !sameHost(o.ID, signer.URI) {
		return forbidden("note %s is not hosted by %s", o.ID, signer.Host)
	}

	note := noteFromObject(o, signer)
	if note.CreatedAt.IsZero() {
		note.CreatedAt = i.now()
	}
	stored, err := i.notes.UpsertNote(ctx, note)
	if errors.Is(err, domain.ErrNotOwner) {
		return forbidden("note %s belongs to another actor", o.ID)
	}
	if err != nil {
		return fmt.Errorf("store note: %w", err)
	}
	i.logger.Info("Stored note", "uri", stored.URI, "author", signer.Handle())
	return nil
}

func (i *Inbox) handleUpdate(ctx context.Context, signer *domain.Actor, a *Activity) error {
	o := a.Object
	if o == nil {
		return malformed("Update without embedded object")
	}

	switch {
	case isNoteType(o.Type):
		existing, err := i.notes.FindNoteByURI(ctx, o.ID)
		if errors.Is(err, domain.ErrNotFound) {
			i.logger.Debug("Update for unknown note", "uri", o.ID)
			return nil
		}
		if err != nil {
			return err
		}
		if existing.AuthorId != signer.Id {
			return forbidden("%s cannot update note %s", signer.URI, o.ID)
		}
		updated := o.Updated
		if updated.IsZero() {
			updated = i.now()
		}
		if _, err := i.notes.UpdateNoteContent(ctx, o.ID, signer.Id, noteText(o), o.Summary, updated); err != nil {
			return fmt.Errorf("update note: %w", err)
		}
		i.logger.Info("Updated note", "uri", o.ID)
		return nil

	case isActorType(o.Type):
		if stripFragment(o.ID) != signer.URI {
			return forbidden("%s cannot update profile %s", signer.URI, o.ID)
		}
		actor, err := parseActorDocument(o.Raw, signer.URI)
		if err != nil {
			return malformed("%v", err)
		}
		if err := i.resolver.Invalidate(ctx, signer); err != nil {
			return err
		}
		now := i.now().UTC()
		actor.LastFetchedAt = &now
		if _, err := i.actors.UpsertActor(ctx, actor); err != nil {
			return fmt.Errorf("update actor: %w", err)
		}
		i.logger.Info("Updated profile", "actor", signer.Handle())
		return nil

	default:
		i.logger.Debug("Ignoring Update of unsupported object", "type", o.Type)
		return nil
	}
}

func (i *Inbox) handleDelete(ctx context.Context, signer *domain.Actor, a *Activity) error {
	uri := a.ObjectID
	if uri == "" {
		return malformed("Delete without object")
	}
	if stripFragment(uri) == signer.URI {
		i.logger.Info("Ignoring account deletion", "actor", signer.Handle())
		return nil
	}

	note, err := i.notes.FindNoteByURI(ctx, uri)
	if errors.Is(err, domain.ErrNotFound) {
		i.logger.Debug("Delete for unknown object", "uri", uri)
		return nil
	}
	if err != nil {
		return err
	}
	if note.AuthorId != signer.Id {
		return forbidden("%s cannot delete note %s", signer.URI, uri)
	}
	if err := i.notes.DeleteNote(ctx, note.Id); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	i.logger.Info("Deleted note", "uri", uri)
	return nil
}

func (i *Inbox) handleLike(ctx context.Context, signer *domain.Actor, a *Activity) error {
	if a.ObjectID == "" {
		return malformed("%s without object", a.Type)
	}
	note, err := i.notes.FindNoteByURI(ctx, a.ObjectID)
	if errors.Is(err, domain.ErrNotFound) {
		i.logger.Debug("Reaction to unknown note", "uri", a.ObjectID)
		return nil
	}
	if err != nil {
		return err
	}

	token := strings.TrimSpace(a.MisskeyReaction)
	if token == "" {
		token = strings.TrimSpace(a.Content)
	}
	if token == "" {
		token = defaultLikeReaction
	}
	var emoji string
	if isCustomEmoji(token) {
		emoji = emojiURL(a.Tags, token)
	}

	created, err := i.reactions.CreateReaction(ctx, &domain.Reaction{
		ActorId:  signer.Id,
		NoteId:   note.Id,
		Reaction: token,
		EmojiURL: emoji,
		URI:      a.ID,
	})
	if err != nil {
		return fmt.Errorf("create reaction: %w", err)
	}
	if created {
		i.logger.Info("New reaction", "actor", signer.Handle(), "note", note.URI, "reaction", token)
	}
	return nil
}

func (i *Inbox) handleAnnounce(ctx context.Context, signer *domain.Actor, a *Activity) error {
	if a.ObjectID == "" {
		return malformed("Announce without object")
	}
	if a.ID == "" {
		return malformed("Announce without id")
	}
	note, err := i.findOrFetchNote(ctx, a.ObjectID)
	if err != nil {
		if !errors.Is(err, ErrUnresolvable) && !errors.Is(err, ErrAuthorization) {
			err = fmt.Errorf("%w: announced note %s: %v", ErrUnresolvable, a.ObjectID, err)
		}
		return err
	}

	published := a.Published
	if published.IsZero() {
		published = i.now()
	}
	created, err := i.renotes.CreateRenote(ctx, &domain.Note{
		AuthorId:   signer.Id,
		RenoteId:   &note.Id,
		Visibility: visibilityOf(a.To, a.Cc, signer.FollowersURI),
		URI:        a.ID,
		CreatedAt:  published,
	})
	if err != nil {
		return fmt.Errorf("create renote: %w", err)
	}
	if created {
		i.logger.Info("New renote", "actor", signer.Handle(), "note", note.URI)
	}
	return nil
}

// findOrFetchNote returns the stored note at uri, fetching and storing it
// first if it is remote and unknown.
func (i *Inbox) findOrFetchNote(ctx context.Context, uri string) (*domain.Note, error) {
	note, err := i.notes.FindNoteByURI(ctx, uri)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return note, err
	}
	if i.resolver.isLocal(uri) {
		return nil, fmt.Errorf("%w: no local note %s", ErrUnresolvable, uri)
	}

	doc, err := i.resolver.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	o := normalizeObject(doc)
	if !isNoteType(o.Type) || o.ID == "" {
		return nil, fmt.Errorf("%w: %s is a %q", ErrUnresolvable, uri, o.Type)
	}
	author, err := i.resolver.ResolveByURI(ctx, o.AttributedTo)
	if err != nil {
		return nil, err
	}
	if !sameHost(o.ID, author.URI) {
		return nil, fmt.Errorf("%w: note %s is not hosted by its author", ErrUnresolvable, o.ID)
	}

	fetched := noteFromObject(o, author)
	if fetched.CreatedAt.IsZero() {
		fetched.CreatedAt = i.now()
	}
	stored, err := i.notes.UpsertNote(ctx, fetched)
	if errors.Is(err, domain.ErrNotOwner) {
		return nil, forbidden("note %s belongs to another actor", o.ID)
	}
	return stored, err
}
