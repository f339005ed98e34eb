package activitypub

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

// act builds an activity of typ by actor with an id on the actor's host.
func act(actor *domain.Actor, typ string, object any) map[string]any {
	return map[string]any{
		"@context": activityStreamsContext,
		"id":       "https://" + actor.Host + "/activities/" + uuid.NewString(),
		"type":     typ,
		"actor":    actor.URI,
		"object":   object,
	}
}

// remoteOutbox renders activities the way a server at host would.
func remoteOutbox(host string) *Outbox {
	return NewOutbox("https://"+host, "", nil, nil, quietLogger())
}

func (e *testEnv) countFollowers(a *domain.Actor) int {
	e.t.Helper()
	n, err := e.db.CountFollowers(e.ctx, a.Id)
	if err != nil {
		e.t.Fatalf("Failed to count followers: %v", err)
	}
	return n
}

func (e *testEnv) jobsOfType(typ string) int {
	e.t.Helper()
	n := 0
	for _, job := range e.pendingJobs() {
		if decodeJob(e.t, job)["type"] == typ {
			n++
		}
	}
	return n
}

func TestInboxFollow(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, key := e.remoteActor("bob", "remote.example", 1)

	follow := act(bob, "Follow", alice.URI)
	e.mustPost(bob, key, follow)
	e.mustPost(bob, key, act(bob, "Follow", alice.URI))

	if n := e.countFollowers(alice); n != 1 {
		t.Errorf("Expected 1 follower, got %d", n)
	}
	f, err := e.db.FindFollow(e.ctx, bob.Id, alice.Id)
	if err != nil || !f.Accepted || f.URI != follow["id"] {
		t.Errorf("Unexpected edge %+v: %v", f, err)
	}
	// every distinct Follow is answered so a lost Accept can be recovered
	if n := e.jobsOfType("Accept"); n != 2 {
		t.Errorf("Expected 2 Accept jobs, got %d", n)
	}
	var accepted bool
	for _, job := range e.pendingJobs() {
		accept := decodeJob(t, job)
		if accept["actor"] == alice.URI && accept["object"].(map[string]any)["id"] == follow["id"] {
			accepted = true
		}
	}
	if !accepted {
		t.Errorf("No Accept of %v was queued", follow["id"])
	}

	// a redelivered activity is applied once
	e.mustPost(bob, key, follow)
	if n := e.jobsOfType("Accept"); n != 2 {
		t.Errorf("Duplicate activity produced another Accept, got %d", n)
	}
}

func TestInboxFollowRejectsRemoteTarget(t *testing.T) {
	e := newTestEnv(t)
	bob, key := e.remoteActor("bob", "remote.example", 1)
	carol, _ := e.remoteActor("carol", "other.example", 2)

	for _, target := range []string{carol.URI, testBaseURL + "/users/nobody"} {
		if code := e.post(bob, key, act(bob, "Follow", target)); code != http.StatusBadRequest {
			t.Errorf("Follow of %s: expected 400, got %d", target, code)
		}
	}
}

func TestInboxUndoFollow(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, key := e.remoteActor("bob", "remote.example", 1)

	// nothing to undo is still a success
	e.mustPost(bob, key, act(bob, "Undo", map[string]any{"type": "Follow", "actor": bob.URI, "object": alice.URI}))

	follow := act(bob, "Follow", alice.URI)
	e.mustPost(bob, key, follow)
	e.mustPost(bob, key, act(bob, "Undo", follow))
	if n := e.countFollowers(alice); n != 0 {
		t.Errorf("Expected no followers after Undo, got %d", n)
	}

	// Undo naming only the Follow id
	follow = act(bob, "Follow", alice.URI)
	e.mustPost(bob, key, follow)
	e.mustPost(bob, key, act(bob, "Undo", follow["id"]))
	if n := e.countFollowers(alice); n != 0 {
		t.Errorf("Expected no followers after Undo by id, got %d", n)
	}
}

func TestInboxUndoOfAnotherActor(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, bobKey := e.remoteActor("bob", "remote.example", 1)
	mallory, malloryKey := e.remoteActor("mallory", "evil.example", 2)

	follow := act(bob, "Follow", alice.URI)
	e.mustPost(bob, bobKey, follow)

	if code := e.post(mallory, malloryKey, act(mallory, "Undo", follow)); code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", code)
	}
	// a bare id only matches edges of the signer
	e.mustPost(mallory, malloryKey, act(mallory, "Undo", follow["id"]))
	if n := e.countFollowers(alice); n != 1 {
		t.Errorf("Foreign Undo removed the edge")
	}
}

func TestInboxCreateNote(t *testing.T) {
	e := newTestEnv(t)
	bob, key := e.remoteActor("bob", "remote.example", 1)
	remote := remoteOutbox("remote.example")
	note := &domain.Note{
		Id:         uuid.New(),
		Text:       "hello from remote",
		Visibility: domain.VisibilityHome,
		CreatedAt:  time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}

	create, err := remote.BuildActivity(KindCreateNote, Payload{Actor: bob, Note: note})
	if err != nil {
		t.Fatalf("Failed to build activity: %v", err)
	}
	e.mustPost(bob, key, create)

	uri := remote.NoteURI(note)
	stored, err := e.db.FindNoteByURI(e.ctx, uri)
	if err != nil {
		t.Fatalf("Note was not stored: %v", err)
	}
	if stored.AuthorId != bob.Id || stored.Text != note.Text || stored.Visibility != domain.VisibilityHome {
		t.Errorf("Unexpected note %+v", stored)
	}
	if !stored.CreatedAt.Equal(note.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, note.CreatedAt)
	}

	// the same object delivered again under a new activity id
	again, _ := remote.BuildActivity(KindCreateNote, Payload{Actor: bob, Note: note})
	e.mustPost(bob, key, again)
	if after, err := e.db.FindNoteByURI(e.ctx, uri); err != nil || after.Id != stored.Id {
		t.Errorf("Redelivery replaced the note: %v", err)
	}
}

func TestInboxCreateRejectsForgery(t *testing.T) {
	e := newTestEnv(t)
	bob, key := e.remoteActor("bob", "remote.example", 1)
	carol, _ := e.remoteActor("carol", "remote.example", 2)

	tests := []struct {
		name   string
		object map[string]any
	}{
		{"attributed to someone else", map[string]any{
			"id": "https://remote.example/notes/1", "type": "Note", "attributedTo": carol.URI, "content": "x",
		}},
		{"hosted elsewhere", map[string]any{
			"id": "https://other.example/notes/1", "type": "Note", "attributedTo": bob.URI, "content": "x",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := e.post(bob, key, act(bob, "Create", tt.object)); code != http.StatusForbidden {
				t.Errorf("Expected 403, got %d", code)
			}
			if _, err := e.db.FindNoteByURI(e.ctx, tt.object["id"].(string)); !errors.Is(err, domain.ErrNotFound) {
				t.Error("Forged note was stored")
			}
		})
	}
}

func TestInboxUpdateAndDeleteNote(t *testing.T) {
	e := newTestEnv(t)
	bob, bobKey := e.remoteActor("bob", "remote.example", 1)
	carol, carolKey := e.remoteActor("carol", "remote.example", 2)
	remote := remoteOutbox("remote.example")
	note := &domain.Note{Id: uuid.New(), Text: "first draft", Visibility: domain.VisibilityPublic, CreatedAt: time.Now()}

	create, _ := remote.BuildActivity(KindCreateNote, Payload{Actor: bob, Note: note})
	e.mustPost(bob, bobKey, create)
	uri := remote.NoteURI(note)

	note.Text = "second draft"
	forged, _ := remote.BuildActivity(KindUpdateNote, Payload{Actor: bob, Note: note})
	forged["actor"] = carol.URI
	if code := e.post(carol, carolKey, forged); code != http.StatusForbidden {
		t.Errorf("Update by another actor: expected 403, got %d", code)
	}

	update, _ := remote.BuildActivity(KindUpdateNote, Payload{Actor: bob, Note: note})
	e.mustPost(bob, bobKey, update)
	stored, err := e.db.FindNoteByURI(e.ctx, uri)
	if err != nil || stored.Text != "second draft" || stored.UpdatedAt == nil {
		t.Errorf("Note was not updated: %+v %v", stored, err)
	}

	if code := e.post(carol, carolKey, act(carol, "Delete", uri)); code != http.StatusForbidden {
		t.Errorf("Delete by another actor: expected 403, got %d", code)
	}
	e.mustPost(bob, bobKey, act(bob, "Delete", map[string]any{"id": uri, "type": "Tombstone"}))
	if _, err := e.db.FindNoteByURI(e.ctx, uri); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected the note to be gone, got %v", err)
	}

	// unknown objects and account deletions are accepted and ignored
	e.mustPost(bob, bobKey, act(bob, "Delete", "https://remote.example/notes/unknown"))
	e.mustPost(bob, bobKey, act(bob, "Delete", bob.URI))
}

func TestInboxUpdatePerson(t *testing.T) {
	e := newTestEnv(t)
	bob, key := e.remoteActor("bob", "remote.example", 1)
	carol, carolKey := e.remoteActor("carol", "remote.example", 2)

	profile := remoteOutbox("remote.example").ActorDocument(&domain.Actor{
		Username:       "bob",
		DisplayName:    "Bobby",
		Summary:        "new bio",
		URI:            bob.URI,
		InboxURI:       bob.InboxURI,
		SharedInboxURI: bob.SharedInboxURI,
		FollowersURI:   bob.FollowersURI,
		KeyId:          bob.KeyId,
		PublicKeyPem:   bob.PublicKeyPem,
	})
	raw, _ := json.Marshal(profile)
	var object map[string]any
	_ = json.Unmarshal(raw, &object)

	if code := e.post(carol, carolKey, act(carol, "Update", object)); code != http.StatusForbidden {
		t.Errorf("Profile update by another actor: expected 403, got %d", code)
	}

	e.mustPost(bob, key, act(bob, "Update", object))
	stored, err := e.db.FindActorByURI(e.ctx, bob.URI)
	if err != nil {
		t.Fatalf("Failed to load actor: %v", err)
	}
	if stored.Id != bob.Id || stored.DisplayName != "Bobby" || stored.Summary != "new bio" {
		t.Errorf("Profile was not updated: %+v", stored)
	}
	got, err := e.resolver.ResolveByURI(e.ctx, bob.URI)
	if err != nil || got.DisplayName != "Bobby" {
		t.Errorf("Resolver served a stale profile: %+v %v", got, err)
	}
}

func TestInboxReactions(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, key := e.remoteActor("bob", "misskey.example", 1)
	note := e.localNote(alice, "react to me")

	like := act(bob, "Like", note.URI)
	like["_misskey_reaction"] = ":blobcat:"
	like["content"] = ":blobcat:"
	like["tag"] = []any{map[string]any{
		"type": "Emoji", "name": ":blobcat:", "icon": map[string]any{"type": "Image", "url": "https://misskey.example/e/blobcat.png"},
	}}
	e.mustPost(bob, key, like)
	e.mustPost(bob, key, act(bob, "Like", note.URI))

	r, err := e.db.FindReaction(e.ctx, bob.Id, note.Id)
	if err != nil {
		t.Fatalf("Reaction was not stored: %v", err)
	}
	if r.Reaction != ":blobcat:" || r.EmojiURL != "https://misskey.example/e/blobcat.png" || !r.IsCustomEmoji() {
		t.Errorf("Unexpected reaction %+v", r)
	}
	counts, _ := e.db.FindReactionCounts(e.ctx, note.Id)
	if len(counts) != 1 || counts[":blobcat:"] != 1 {
		t.Errorf("Expected a single reaction, got %v", counts)
	}

	e.mustPost(bob, key, act(bob, "Undo", like))
	if _, err := e.db.FindReaction(e.ctx, bob.Id, note.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no reaction after Undo, got %v", err)
	}

	// plain Likes get the default token
	e.mustPost(bob, key, act(bob, "Like", note.URI))
	if r, _ := e.db.FindReaction(e.ctx, bob.Id, note.Id); r == nil || r.Reaction != "👍" {
		t.Errorf("Unexpected default reaction %+v", r)
	}

	// reactions to unknown notes are dropped
	e.mustPost(bob, key, act(bob, "EmojiReact", testBaseURL+"/notes/"+uuid.NewString()))
}

func TestInboxAnnounce(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, key := e.remoteActor("bob", "remote.example", 1)
	note := e.localNote(alice, "boost me")

	announce := act(bob, "Announce", note.URI)
	announce["to"] = []string{PublicCollection}
	announce["cc"] = []string{bob.FollowersURI}
	e.mustPost(bob, key, announce)
	again := act(bob, "Announce", note.URI)
	e.mustPost(bob, key, again)

	if n, _ := e.db.CountRenotes(e.ctx, note.Id); n != 1 {
		t.Errorf("Expected 1 renote, got %d", n)
	}

	e.mustPost(bob, key, act(bob, "Undo", announce["id"]))
	if n, _ := e.db.CountRenotes(e.ctx, note.Id); n != 0 {
		t.Errorf("Expected no renotes after Undo, got %d", n)
	}
}

func TestInboxAnnounceOfUnreachableNote(t *testing.T) {
	e := newTestEnv(t)
	gone := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(gone.Close)
	bob, key := e.remoteActor("bob", "remote.example", 1)

	code := e.post(bob, key, act(bob, "Announce", gone.URL+"/notes/1"))
	if code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", code)
	}
}

func TestInboxAnnounceFetchesRemoteNote(t *testing.T) {
	e := newTestEnv(t)
	peer := newFakePeer(t)
	carolURI := peer.serveActor("carol", testKey(t, 2))
	noteURI := peer.url("/notes/1")
	peer.set("/notes/1", map[string]any{
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": carolURI,
		"content":      "<p>fetched</p>",
		"to":           []any{PublicCollection},
		"published":    "2024-02-02T00:00:00Z",
	})
	bob, key := e.remoteActor("bob", "remote.example", 1)

	e.mustPost(bob, key, act(bob, "Announce", noteURI))

	stored, err := e.db.FindNoteByURI(e.ctx, noteURI)
	if err != nil || stored.Text != "fetched" {
		t.Fatalf("Announced note was not stored: %+v %v", stored, err)
	}
	if n, _ := e.db.CountRenotes(e.ctx, stored.Id); n != 1 {
		t.Errorf("Expected 1 renote, got %d", n)
	}
}

func TestInboxRejections(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, key := e.remoteActor("bob", "remote.example", 1)
	carol, _ := e.remoteActor("carol", "remote.example", 2)

	body := []byte(`{"id":"https://remote.example/a/1","type":"Follow","actor":"` + bob.URI + `","object":"` + alice.URI + `"}`)
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.inbox.HandleInbox(rec, req, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Unsigned request: expected 401, got %d", rec.Code)
	}

	if code := e.post(bob, key, act(carol, "Follow", alice.URI)); code != http.StatusForbidden {
		t.Errorf("Actor mismatch: expected 403, got %d", code)
	}
	if code := e.post(bob, key, act(bob, "Move", alice.URI)); code != http.StatusAccepted {
		t.Errorf("Unsupported type: expected 202, got %d", code)
	}
	if code := e.post(bob, key, map[string]any{"actor": bob.URI}); code != http.StatusBadRequest {
		t.Errorf("Missing type: expected 400, got %d", code)
	}

	req = httptest.NewRequest(http.MethodPost, testBaseURL+"/users/nobody/inbox", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	e.inbox.HandleInbox(rec, req, "nobody")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown inbox: expected 404, got %d", rec.Code)
	}

	if n := e.countFollowers(alice); n != 0 {
		t.Errorf("Rejected activities left %d followers", n)
	}
}

func TestInboxRejectsForeignActivityId(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, bobKey := e.remoteActor("bob", "remote.example", 1)
	carol, carolKey := e.remoteActor("carol", "other.example", 2)
	note := e.localNote(alice, "like me")

	// bob cannot claim an id minted by other.example
	squat := act(bob, "Like", note.URI)
	squat["id"] = "https://other.example/likes/1"
	if code := e.post(bob, bobKey, squat); code != http.StatusForbidden {
		t.Errorf("Foreign activity id: expected 403, got %d", code)
	}
	if _, err := e.db.FindReaction(e.ctx, bob.Id, note.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Rejected Like was stored: %v", err)
	}

	like := act(carol, "Like", note.URI)
	like["id"] = "https://other.example/likes/1"
	e.mustPost(carol, carolKey, like)
	if _, err := e.db.FindReaction(e.ctx, carol.Id, note.Id); err != nil {
		t.Errorf("Owner's Like was not stored: %v", err)
	}
}

func TestInboxUpdatePersonCannotClaimKey(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	bob, bobKey := e.remoteActor("bob", "remote.example", 1)
	mallory, malloryKey := e.remoteActor("mallory", "evil.example", 2)
	note := e.localNote(alice, "like me")

	profile := remoteOutbox("evil.example").ActorDocument(&domain.Actor{
		Username:     "mallory",
		URI:          mallory.URI,
		InboxURI:     mallory.InboxURI,
		FollowersURI: mallory.FollowersURI,
		KeyId:        bob.KeyId,
		PublicKeyPem: mallory.PublicKeyPem,
	})
	raw, _ := json.Marshal(profile)
	var object map[string]any
	_ = json.Unmarshal(raw, &object)

	if code := e.post(mallory, malloryKey, act(mallory, "Update", object)); code != http.StatusBadRequest {
		t.Errorf("Profile claiming a foreign key: expected 400, got %d", code)
	}
	stored, err := e.db.FindActorByURI(e.ctx, mallory.URI)
	if err != nil {
		t.Fatalf("Failed to load actor: %v", err)
	}
	if stored.KeyId != mallory.KeyId {
		t.Errorf("Stored key changed to %q", stored.KeyId)
	}

	if code := e.post(bob, bobKey, act(bob, "Like", note.URI)); code != http.StatusAccepted {
		t.Errorf("Key owner's Like: expected 202, got %d", code)
	}
	if _, err := e.db.FindReaction(e.ctx, bob.Id, note.Id); err != nil {
		t.Errorf("Key owner's Like was not stored: %v", err)
	}
}

func TestInboxBodyLimit(t *testing.T) {
	e := newTestEnv(t)
	inbox := NewInbox(InboxDeps{
		Actors:       e.db,
		Keys:         e.keys,
		Resolver:     e.resolver,
		MaxBodyBytes: 16,
		Logger:       quietLogger(),
	})
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/inbox", bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	rec := httptest.NewRecorder()
	inbox.HandleInbox(rec, req, "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestInboxKeyRotation(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	peer := newFakePeer(t)
	newKey := testKey(t, 2)
	uri := peer.serveActor("bob", newKey)

	now := time.Now()
	bob, err := e.db.UpsertActor(e.ctx, &domain.Actor{
		Username:      "bob",
		Host:          peer.host(),
		URI:           uri,
		InboxURI:      uri + "/inbox",
		KeyId:         uri + "#main-key",
		PublicKeyPem:  publicPEM(t, testKey(t, 1)),
		LastFetchedAt: &now,
	})
	if err != nil {
		t.Fatalf("Failed to store actor: %v", err)
	}

	e.mustPost(bob, newKey, act(bob, "Follow", alice.URI))
	stored, _ := e.db.FindActorByURI(e.ctx, uri)
	if stored.PublicKeyPem != publicPEM(t, newKey) {
		t.Error("Rotated key was not stored")
	}

	// a signature no published key matches stays rejected
	if code := e.post(bob, testKey(t, 0), act(bob, "Follow", alice.URI)); code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", code)
	}
}

// peerInbox records activities POSTed to it after checking their signature.
type peerInbox struct {
	mu         sync.Mutex
	activities []map[string]any
	badSig     int
}

func (p *peerInbox) handler(signer *rsa.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		v := &SignatureVerifier{MaxSkew: time.Minute}
		_, err := v.Verify(r, body, func(string) (*rsa.PublicKey, error) { return signer, nil })

		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.badSig++
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var activity map[string]any
		_ = json.Unmarshal(body, &activity)
		p.activities = append(p.activities, activity)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (p *peerInbox) badSignatures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badSig
}

func (p *peerInbox) received(typ string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, a := range p.activities {
		if a["type"] == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestFollowHandshake(t *testing.T) {
	e := newTestEnv(t)
	alice := e.localActor("alice")
	alicePub, _ := e.keys.PublicKeyFor(e.ctx, alice.Id)

	peer := &peerInbox{}
	srv := httptest.NewServer(peer.handler(alicePub))
	t.Cleanup(srv.Close)

	now := time.Now()
	bobKey := testKey(t, 1)
	bob, err := e.db.UpsertActor(e.ctx, &domain.Actor{
		Username:       "bob",
		Host:           "remote.example",
		URI:            "https://remote.example/users/bob",
		InboxURI:       srv.URL + "/users/bob/inbox",
		SharedInboxURI: srv.URL + "/inbox",
		FollowersURI:   "https://remote.example/users/bob/followers",
		KeyId:          "https://remote.example/users/bob#main-key",
		PublicKeyPem:   publicPEM(t, bobKey),
		LastFetchedAt:  &now,
	})
	if err != nil {
		t.Fatalf("Failed to store actor: %v", err)
	}
	e.runDelivery()

	f, err := e.outbox.Follow(e.ctx, alice, bob)
	if err != nil {
		t.Fatalf("Failed to follow: %v", err)
	}
	eventually(t, "Follow delivery", func() bool { return len(peer.received("Follow")) == 1 })
	if got := peer.received("Follow")[0]; got["id"] != f.URI || got["object"] != bob.URI {
		t.Errorf("Unexpected Follow %v", got)
	}

	// the peer accepts, and then accepts again
	for i := 0; i < 2; i++ {
		accept := act(bob, "Accept", map[string]any{"id": f.URI, "type": "Follow", "actor": alice.URI, "object": bob.URI})
		e.mustPost(bob, bobKey, accept)
	}
	edge, err := e.db.FindFollow(e.ctx, alice.Id, bob.Id)
	if err != nil || !edge.Accepted {
		t.Errorf("Follow was not accepted: %+v %v", edge, err)
	}

	// Accept naming only the Follow id is honoured from the followee only
	e.mustPost(bob, bobKey, act(bob, "Accept", f.URI))
	mallory, malloryKey := e.remoteActor("mallory", "evil.example", 2)
	if code := e.post(mallory, malloryKey, act(mallory, "Accept", f.URI)); code != http.StatusForbidden {
		t.Errorf("Accept by a third party: expected 403, got %d", code)
	}

	// bob follows back and gets an Accept signed by alice
	e.mustPost(bob, bobKey, act(bob, "Follow", alice.URI))
	eventually(t, "Accept delivery", func() bool { return len(peer.received("Accept")) == 1 })
	if n := peer.badSignatures(); n != 0 {
		t.Errorf("%d deliveries carried a bad signature", n)
	}
	if n := e.countFollowers(alice); n != 1 {
		t.Errorf("Expected 1 follower, got %d", n)
	}
}
