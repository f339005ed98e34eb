package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/domain"
	"golang.org/x/sync/singleflight"
)

// maxDocumentSize caps remote JSON documents.
const maxDocumentSize = 1 << 20

var errNotActor = errors.New("document is not an actor")

// ResolverConfig tunes remote fetching.
type ResolverConfig struct {
	LocalDomain   string
	Scheme        string
	UserAgent     string
	FetchTimeout  time.Duration
	FetchAttempts int
	FetchBackoff  time.Duration
	CacheTTL      time.Duration
	// InstanceActor is the local username that signs outgoing GETs.
	// Empty means fetches go out unsigned.
	InstanceActor string
}

// Resolver turns handles and URIs into actors, consulting the in-memory
// cache, then the store, then the network. Concurrent fetches of the same
// URI share one request.
type Resolver struct {
	actors ActorStore
	keys   *KeyStore
	client *http.Client
	cfg    ResolverConfig
	cache  *actorCache
	group  singleflight.Group
	logger *log.Logger
	now    func() time.Time

	signerMu sync.Mutex
	signer   *domain.Actor
}

func NewResolver(actors ActorStore, keys *KeyStore, client *http.Client, cfg ResolverConfig, logger *log.Logger) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.FetchAttempts < 1 {
		cfg.FetchAttempts = 1
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Resolver{
		actors: actors,
		keys:   keys,
		client: client,
		cfg:    cfg,
		cache:  newActorCache(cfg.CacheTTL),
		logger: logger.WithPrefix("Resolver"),
		now:    time.Now,
	}
	if keys != nil {
		keys.UseResolver(r)
	}
	return r
}

// Resolve accepts either a handle (@user@host, acct:user@host) or an actor URI.
func (r *Resolver) Resolve(ctx context.Context, handleOrURI string) (*domain.Actor, error) {
	if strings.HasPrefix(handleOrURI, "http://") || strings.HasPrefix(handleOrURI, "https://") {
		return r.ResolveByURI(ctx, handleOrURI)
	}
	return r.ResolveByHandle(ctx, handleOrURI)
}

// ResolveByHandle looks a handle up via WebFinger. Handles without a host or
// with our own host are local.
func (r *Resolver) ResolveByHandle(ctx context.Context, handle string) (*domain.Actor, error) {
	username, host, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	if host == "" || strings.EqualFold(host, r.cfg.LocalDomain) {
		return r.actors.FindLocalActorByUsername(ctx, username)
	}
	uri, err := r.webfinger(ctx, username, host)
	if err != nil {
		return nil, err
	}
	return r.ResolveByURI(ctx, uri)
}

// ResolveByURI returns the actor at uri. A cached or stored copy younger
// than the TTL is returned without touching the network.
func (r *Resolver) ResolveByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	uri = stripFragment(uri)
	if r.isLocal(uri) {
		return r.actors.FindActorByURI(ctx, uri)
	}

	now := r.now()
	if actor, ok := r.cache.Get(uri, now); ok {
		return actor, nil
	}
	stored, err := r.actors.FindActorByURI(ctx, uri)
	switch {
	case err == nil && r.cache.Fresh(stored, now):
		r.cache.Put(stored, *stored.LastFetchedAt, now)
		return stored, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return r.Refresh(ctx, uri)
}

// Refresh fetches uri regardless of the cache and stores the result.
func (r *Resolver) Refresh(ctx context.Context, uri string) (*domain.Actor, error) {
	uri = stripFragment(uri)
	v, err, _ := r.group.Do(uri, func() (any, error) {
		// shared by all waiters, so it outlives the caller that started it
		ctx, cancel := r.sharedFetchContext(ctx)
		defer cancel()
		doc, err := r.fetchJSON(ctx, uri, acceptActivity)
		if err != nil {
			return nil, err
		}
		return r.storeActorDocument(ctx, doc, uri)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: actor %s: %v", ErrUnresolvable, uri, err)
	}
	actor := *v.(*domain.Actor)
	return &actor, nil
}

// sharedFetchContext detaches ctx from its caller and bounds it by the
// worst case of every fetch attempt and the waits between them.
func (r *Resolver) sharedFetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if r.cfg.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	n := time.Duration(r.cfg.FetchAttempts)
	budget := n*r.cfg.FetchTimeout + n*(n-1)/2*r.cfg.FetchBackoff
	return context.WithTimeout(ctx, budget)
}

// Invalidate forgets the cached copy of actor so the next lookup refetches it.
func (r *Resolver) Invalidate(ctx context.Context, actor *domain.Actor) error {
	r.cache.Invalidate(actor.URI)
	if actor.IsLocal() {
		return nil
	}
	return r.actors.MarkActorStale(ctx, actor.Id)
}

// PruneCache drops expired in-memory entries and returns how many it removed.
func (r *Resolver) PruneCache() int {
	return r.cache.Prune(r.now())
}

// ResolveKeyOwner returns the actor that owns keyId. The key document may
// be the actor itself (keyId with a fragment) or a standalone Key naming
// its owner. The returned actor always advertises keyId.
func (r *Resolver) ResolveKeyOwner(ctx context.Context, keyId string) (*domain.Actor, error) {
	if stored, err := r.actors.FindActorByKeyId(ctx, keyId); err == nil &&
		ownsKey(stored.URI, keyId) && r.cache.Fresh(stored, r.now()) {
		return stored, nil
	}

	ownerURI := stripFragment(keyId)
	if !r.isLocal(ownerURI) {
		doc, err := r.fetchJSON(ctx, ownerURI, acceptActivity)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrAuthentication, keyId, err)
		}
		if isActorType(firstString(doc["type"])) {
			actor, err := r.storeActorDocument(ctx, doc, ownerURI)
			if err != nil {
				return nil, fmt.Errorf("%w: key %s: %v", ErrAuthentication, keyId, err)
			}
			return checkKeyOwner(actor, keyId)
		}
		if ownerURI = firstString(doc["owner"]); ownerURI == "" {
			return nil, authError("key document %s names no owner", keyId)
		}
		if !sameHost(ownerURI, keyId) {
			return nil, authError("key %s claims foreign owner %s", keyId, ownerURI)
		}
	}

	actor, err := r.ResolveByURI(ctx, ownerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: owner of %s: %v", ErrAuthentication, keyId, err)
	}
	if actor.KeyId != keyId && !actor.IsLocal() {
		if actor, err = r.Refresh(ctx, ownerURI); err != nil {
			return nil, fmt.Errorf("%w: owner of %s: %v", ErrAuthentication, keyId, err)
		}
	}
	return checkKeyOwner(actor, keyId)
}

// FetchObject retrieves an arbitrary remote ActivityStreams object.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (map[string]any, error) {
	doc, err := r.fetchJSON(ctx, uri, acceptActivity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvable, uri, err)
	}
	if id := firstString(doc["id"]); id != "" && hostOf(id) != hostOf(uri) {
		return nil, fmt.Errorf("%w: %s served foreign object %s", ErrUnresolvable, uri, id)
	}
	return doc, nil
}

func checkKeyOwner(actor *domain.Actor, keyId string) (*domain.Actor, error) {
	if actor.KeyId != keyId {
		return nil, authError("key %s is not advertised by %s", keyId, actor.URI)
	}
	return actor, nil
}

func (r *Resolver) storeActorDocument(ctx context.Context, doc map[string]any, fetchedFrom string) (*domain.Actor, error) {
	actor, err := parseActorDocument(doc, fetchedFrom)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	actor.LastFetchedAt = &now
	stored, err := r.actors.UpsertActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	r.cache.Put(stored, now, now)
	r.logger.Debug("Stored remote actor", "uri", stored.URI, "handle", stored.Handle())
	return stored, nil
}

func (r *Resolver) isLocal(uri string) bool {
	return r.cfg.LocalDomain != "" && strings.EqualFold(hostOf(uri), r.cfg.LocalDomain)
}

// WebFingerLink is one entry of a JRD links array.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebFingerResponse is a JSON Resource Descriptor.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// SelfLink returns the ActivityPub actor URI of the descriptor.
func (w *WebFingerResponse) SelfLink() string {
	for _, l := range w.Links {
		if l.Rel != "self" {
			continue
		}
		mediaType := strings.TrimSpace(strings.Split(l.Type, ";")[0])
		if mediaType == ContentTypeActivity || mediaType == "application/ld+json" {
			return l.Href
		}
	}
	return ""
}

func (r *Resolver) webfinger(ctx context.Context, username, host string) (string, error) {
	resource := "acct:" + username + "@" + host
	target := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", r.cfg.Scheme, host, url.QueryEscape(resource))
	doc, err := r.fetchJSON(ctx, target, "application/jrd+json, application/json")
	if err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ErrUnresolvable, resource, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var jrd WebFingerResponse
	if err := json.Unmarshal(raw, &jrd); err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ErrUnresolvable, resource, err)
	}
	self := jrd.SelfLink()
	if self == "" {
		return "", fmt.Errorf("%w: webfinger %s has no actor link", ErrUnresolvable, resource)
	}
	return self, nil
}

const acceptActivity = ContentTypeActivity + ", " + ContentTypeLD

// fetchJSON GETs target with linear retry. 4xx answers other than 429 are
// not retried.
func (r *Resolver) fetchJSON(ctx context.Context, target, accept string) (map[string]any, error) {
	var doc map[string]any
	attempt := 0
	op := func() error {
		attempt++
		var err error
		doc, err = r.getOnce(ctx, target, accept)
		if err == nil {
			return nil
		}
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Permanent() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, errInvalidJSON) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.logger.Debug("Fetch failed", "url", target, "attempt", attempt, "err", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.cfg.FetchBackoff}, uint64(r.cfg.FetchAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return doc, nil
}

var errInvalidJSON = errors.New("response is not a JSON object")

func (r *Resolver) getOnce(ctx context.Context, target, accept string) (map[string]any, error) {
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	if err := r.signFetch(ctx, req); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return nil, &RemoteError{URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errInvalidJSON, target, maxDocumentSize)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("%w: %s", errInvalidJSON, target)
	}
	return doc, nil
}

// signFetch signs GETs with the instance actor key so servers running in
// authorized-fetch mode answer us.
func (r *Resolver) signFetch(ctx context.Context, req *http.Request) error {
	if r.keys == nil || r.cfg.InstanceActor == "" {
		return nil
	}
	r.signerMu.Lock()
	signer := r.signer
	if signer == nil {
		actor, err := r.keys.EnsureLocalActor(ctx, r.cfg.InstanceActor)
		if err != nil {
			r.signerMu.Unlock()
			return fmt.Errorf("instance actor: %w", err)
		}
		r.signer, signer = actor, actor
	}
	r.signerMu.Unlock()

	key, keyId, err := r.keys.PrivateKeyFor(ctx, signer.Id)
	if err != nil {
		return err
	}
	return Sign(req, keyId, key, nil)
}

// linearBackOff waits step, 2*step, 3*step... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// parseActorDocument maps a fetched actor document. The document must live
// on the host it was fetched from.
func parseActorDocument(doc map[string]any, fetchedFrom string) (*domain.Actor, error) {
	kind := firstString(doc["type"])
	if !isActorType(kind) {
		return nil, fmt.Errorf("%w: got %q", errNotActor, kind)
	}
	id := firstString(doc["id"])
	if id == "" {
		return nil, errors.New("actor document has no id")
	}
	if !sameHost(id, fetchedFrom) {
		return nil, fmt.Errorf("actor %s fetched from foreign host %s", id, hostOf(fetchedFrom))
	}
	inbox := firstString(doc["inbox"])
	if inbox == "" {
		return nil, fmt.Errorf("actor %s has no inbox", id)
	}

	username := plainString(doc["preferredUsername"])
	if username == "" {
		username = path.Base(strings.TrimRight(mustPath(id), "/"))
	}

	actor := &domain.Actor{
		Username:     username,
		Host:         strings.ToLower(hostOf(id)),
		DisplayName:  plainString(doc["name"]),
		Summary:      htmlToText(plainString(doc["summary"])),
		AvatarURL:    firstURL(doc["icon"]),
		BannerURL:    firstURL(doc["image"]),
		URI:          id,
		InboxURI:     inbox,
		FollowersURI: firstString(doc["followers"]),
	}
	if endpoints := objectMap(doc["endpoints"]); endpoints != nil {
		actor.SharedInboxURI = firstString(endpoints["sharedInbox"])
	}
	if key := pickPublicKey(doc["publicKey"], id); key != nil {
		actor.KeyId = firstString(key["id"])
		actor.PublicKeyPem = plainString(key["publicKeyPem"])
	} else if doc["publicKey"] != nil {
		return nil, fmt.Errorf("actor %s advertises no key of its own", id)
	}
	for _, item := range asList(doc["attachment"]) {
		m, ok := item.(map[string]any)
		if !ok || plainString(m["type"]) != "PropertyValue" {
			continue
		}
		actor.Fields = append(actor.Fields, domain.ProfileField{
			Name:  plainString(m["name"]),
			Value: htmlToText(plainString(m["value"])),
		})
	}
	for _, t := range parseTags(doc["tag"]) {
		if t.Type == "Emoji" && t.IconURL != "" {
			actor.Emojis = append(actor.Emojis, domain.CustomEmoji{Name: strings.Trim(t.Name, ":"), URL: t.IconURL})
		}
	}
	return actor, nil
}

// pickPublicKey returns the key owned by the actor; publicKey may be an
// object or an array of them. Only keys under the actor's own URI count.
func pickPublicKey(v any, owner string) map[string]any {
	var fallback map[string]any
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok || !ownsKey(owner, firstString(m["id"])) {
			continue
		}
		switch keyOwner := firstString(m["owner"]); keyOwner {
		case owner:
			return m
		case "":
			if fallback == nil {
				fallback = m
			}
		}
	}
	return fallback
}

func splitHandle(handle string) (string, string, error) {
	h := strings.TrimPrefix(strings.TrimSpace(handle), "acct:")
	h = strings.TrimPrefix(h, "@")
	username, host, _ := strings.Cut(h, "@")
	if username == "" || strings.Contains(host, "@") {
		return "", "", malformed("invalid handle %q", handle)
	}
	return username, strings.ToLower(host), nil
}

func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// ownsKey reports whether keyId sits under actorURI, either as a fragment
// (actor#main-key) or a sub-path (actor/main-key).
func ownsKey(actorURI, keyId string) bool {
	if actorURI == "" {
		return false
	}
	base := stripFragment(keyId)
	return base == actorURI || strings.HasPrefix(base, strings.TrimRight(actorURI, "/")+"/")
}

// sameHost reports whether a and b are absolute URIs on the same host.
func sameHost(a, b string) bool {
	h := hostOf(a)
	return h != "" && strings.EqualFold(h, hostOf(b))
}

func mustPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Path
}
