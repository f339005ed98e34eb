package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/db"
	"github.com/deemkeen/rox/domain"
	"github.com/google/uuid"
)

const (
	testDomain  = "rox.example"
	testBaseURL = "https://" + testDomain
)

var (
	_ ActorStore    = (*db.DB)(nil)
	_ FollowStore   = (*db.DB)(nil)
	_ NoteStore     = (*db.DB)(nil)
	_ ReactionStore = (*db.DB)(nil)
	_ RenoteStore   = (*db.DB)(nil)
	_ ActivityLog   = (*db.DB)(nil)
	_ DeliveryQueue = (*db.DB)(nil)
)

// testEnv wires the whole engine against an in-memory database.
type testEnv struct {
	t        *testing.T
	ctx      context.Context
	db       *db.DB
	keys     *KeyStore
	resolver *Resolver
	delivery *Delivery
	outbox   *Outbox
	inbox    *Inbox
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, ResolverConfig{}, DeliveryConfig{})
}

func newTestEnvWith(t *testing.T, rc ResolverConfig, dc DeliveryConfig) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	database, err := db.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	rc.LocalDomain = testDomain
	if rc.Scheme == "" {
		rc.Scheme = "http"
	}
	if rc.FetchAttempts == 0 {
		rc.FetchAttempts = 3
		rc.FetchBackoff = time.Millisecond
	}
	if dc.MaxAttempts == 0 {
		dc.MaxAttempts = 3
	}
	if dc.Backoff == 0 {
		dc.Backoff = time.Millisecond
		dc.MaxBackoff = 5 * time.Millisecond
	}
	if dc.PollInterval == 0 {
		dc.PollInterval = 5 * time.Millisecond
	}
	if dc.Timeout == 0 {
		dc.Timeout = 5 * time.Second
	}

	keys := NewKeyStore(database, testBaseURL)
	resolver := NewResolver(database, keys, nil, rc, logger)
	delivery := NewDelivery(database, keys, nil, dc, logger)
	outbox := NewOutbox(testBaseURL, "instance.actor", database, delivery, logger)
	inbox := NewInbox(InboxDeps{
		Actors:     database,
		Follows:    database,
		Notes:      database,
		Reactions:  database,
		Renotes:    database,
		Activities: database,
		Keys:       keys,
		Resolver:   resolver,
		Outbox:     outbox,
		Verifier:   &SignatureVerifier{MaxSkew: time.Hour},
		Logger:     logger,
	})

	return &testEnv{
		t:        t,
		ctx:      ctx,
		db:       database,
		keys:     keys,
		resolver: resolver,
		delivery: delivery,
		outbox:   outbox,
		inbox:    inbox,
	}
}

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
)

// testKey hands out one of a few pre-generated keys; generating a fresh
// 2048-bit key per actor makes the suite slow.
func testKey(t *testing.T, n int) *rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, key)
		}
	})
	return testKeys[n%len(testKeys)]
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (e *testEnv) localActor(username string) *domain.Actor {
	e.t.Helper()
	actor, err := e.keys.CreateLocalActor(e.ctx, username, username)
	if err != nil {
		e.t.Fatalf("Failed to create local actor %s: %v", username, err)
	}
	return actor
}

// remoteActor stores a freshly fetched remote actor signing with key n.
func (e *testEnv) remoteActor(username, host string, n int) (*domain.Actor, *rsa.PrivateKey) {
	e.t.Helper()
	key := testKey(e.t, n)
	uri := fmt.Sprintf("https://%s/users/%s", host, username)
	now := time.Now()
	actor, err := e.db.UpsertActor(e.ctx, &domain.Actor{
		Username:       username,
		Host:           host,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: "https://" + host + "/inbox",
		FollowersURI:   uri + "/followers",
		KeyId:          uri + "#main-key",
		PublicKeyPem:   publicPEM(e.t, key),
		LastFetchedAt:  &now,
	})
	if err != nil {
		e.t.Fatalf("Failed to store remote actor %s: %v", username, err)
	}
	return actor, key
}

func (e *testEnv) localNote(author *domain.Actor, text string) *domain.Note {
	e.t.Helper()
	id := uuid.New()
	note := &domain.Note{
		Id:         id,
		AuthorId:   author.Id,
		Text:       text,
		Visibility: domain.VisibilityPublic,
		URI:        fmt.Sprintf("%s/notes/%s", testBaseURL, id),
		CreatedAt:  time.Now(),
	}
	if err := e.db.CreateNote(e.ctx, note); err != nil {
		e.t.Fatalf("Failed to create note: %v", err)
	}
	return note
}

// post signs activity as from and feeds it to the shared inbox.
func (e *testEnv) post(from *domain.Actor, key *rsa.PrivateKey, activity map[string]any) int {
	e.t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		e.t.Fatalf("Failed to marshal activity: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentTypeActivity)
	if err := Sign(req, from.KeyId, key, body); err != nil {
		e.t.Fatalf("Failed to sign request: %v", err)
	}
	rec := httptest.NewRecorder()
	e.inbox.HandleInbox(rec, req, "")
	return rec.Code
}

func (e *testEnv) mustPost(from *domain.Actor, key *rsa.PrivateKey, activity map[string]any) {
	e.t.Helper()
	if code := e.post(from, key, activity); code != http.StatusAccepted {
		e.t.Fatalf("Expected 202 for %v, got %d", activity["type"], code)
	}
}

func (e *testEnv) pendingJobs() []domain.DeliveryJob {
	e.t.Helper()
	jobs, err := e.db.ListDeliveries(e.ctx, domain.DeliveryPending, 100)
	if err != nil {
		e.t.Fatalf("Failed to list deliveries: %v", err)
	}
	return jobs
}

// runDelivery runs the workers until the test ends.
func (e *testEnv) runDelivery() {
	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.delivery.Run(ctx); err != nil {
			e.t.Errorf("Delivery run failed: %v", err)
		}
	}()
	e.t.Cleanup(func() {
		cancel()
		<-done
	})
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
