package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/deemkeen/rox/domain"
	"github.com/deemkeen/rox/util"
	"github.com/google/uuid"
)

// KeyStore owns the RSA keys of local actors and hands out parsed public
// keys for any actor.
type KeyStore struct {
	actors  ActorStore
	baseURL string
	bits    int

	mu       sync.RWMutex
	resolver *Resolver
	// parsed keys by actor URI; a rotated key replaces the old entry
	public   map[string]parsedKey[*rsa.PublicKey]
	private  map[string]parsedKey[*rsa.PrivateKey]
}

type parsedKey[K any] struct {
	pem string
	key K
}

func NewKeyStore(actors ActorStore, baseURL string) *KeyStore {
	return &KeyStore{
		actors:  actors,
		baseURL: baseURL,
		bits:    util.MinKeyBits,
		public:  make(map[string]parsedKey[*rsa.PublicKey]),
		private: make(map[string]parsedKey[*rsa.PrivateKey]),
	}
}

// UseResolver lets PublicKeyFor resolve remote actors that have no key yet.
func (k *KeyStore) UseResolver(r *Resolver) {
	k.mu.Lock()
	k.resolver = r
	k.mu.Unlock()
}

// PrivateKeyFor returns the signing key and keyId of a local actor. A
// local actor without a key cannot sign anything, so that is an error.
func (k *KeyStore) PrivateKeyFor(ctx context.Context, localId uuid.UUID) (*rsa.PrivateKey, string, error) {
	actor, err := k.actors.FindActorById(ctx, localId)
	if err != nil {
		return nil, "", fmt.Errorf("load signer %s: %w", localId, err)
	}
	if !actor.IsLocal() {
		return nil, "", fmt.Errorf("actor %s is not local", actor.URI)
	}
	if actor.PrivateKeyPem == "" {
		return nil, "", fmt.Errorf("local actor %s has no private key", actor.Username)
	}
	key, err := k.privateKey(actor)
	if err != nil {
		return nil, "", err
	}
	return key, actor.KeyId, nil
}

// PublicKeyFor returns the public key of any actor. A remote actor whose
// key is unknown is resolved once before giving up.
func (k *KeyStore) PublicKeyFor(ctx context.Context, actorId uuid.UUID) (*rsa.PublicKey, error) {
	actor, err := k.actors.FindActorById(ctx, actorId)
	if err != nil {
		return nil, fmt.Errorf("load actor %s: %w", actorId, err)
	}
	if actor.PublicKeyPem == "" && !actor.IsLocal() {
		k.mu.RLock()
		resolver := k.resolver
		k.mu.RUnlock()
		if resolver == nil {
			return nil, fmt.Errorf("actor %s has no public key", actor.URI)
		}
		uri := actor.URI
		if actor, err = resolver.Refresh(ctx, uri); err != nil {
			return nil, fmt.Errorf("resolve key of %s: %w", uri, err)
		}
	}
	return k.PublicKeyOf(actor)
}

// PublicKeyOf parses the key carried by actor.
func (k *KeyStore) PublicKeyOf(actor *domain.Actor) (*rsa.PublicKey, error) {
	if actor.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s has no public key", actor.URI)
	}
	k.mu.RLock()
	cached, ok := k.public[actor.URI]
	k.mu.RUnlock()
	if ok && cached.pem == actor.PublicKeyPem {
		return cached.key, nil
	}

	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("public key of %s: %w", actor.URI, err)
	}
	k.mu.Lock()
	k.public[actor.URI] = parsedKey[*rsa.PublicKey]{pem: actor.PublicKeyPem, key: pub}
	k.mu.Unlock()
	return pub, nil
}

func (k *KeyStore) privateKey(actor *domain.Actor) (*rsa.PrivateKey, error) {
	k.mu.RLock()
	cached, ok := k.private[actor.URI]
	k.mu.RUnlock()
	if ok && cached.pem == actor.PrivateKeyPem {
		return cached.key, nil
	}

	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.private[actor.URI] = parsedKey[*rsa.PrivateKey]{pem: actor.PrivateKeyPem, key: key}
	k.mu.Unlock()
	return key, nil
}

// LocalActorURI is the profile URI of the local actor username.
func (k *KeyStore) LocalActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", k.baseURL, username)
}

// CreateLocalActor registers a local actor with a fresh key pair.
func (k *KeyStore) CreateLocalActor(ctx context.Context, username, displayName string) (*domain.Actor, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	pair, err := util.GeneratePemKeypair(k.bits)
	if err != nil {
		return nil, err
	}

	uri := k.LocalActorURI(username)
	actor := &domain.Actor{
		Id:             uuid.New(),
		Username:       username,
		DisplayName:    displayName,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: k.baseURL + "/inbox",
		FollowersURI:   uri + "/followers",
		KeyId:          uri + "#main-key",
		PublicKeyPem:   pair.Public,
		PrivateKeyPem:  pair.Private,
	}
	if err := k.actors.CreateActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("create local actor %s: %w", username, err)
	}
	return actor, nil
}

// EnsureLocalActor returns the local actor username, creating it if needed.
func (k *KeyStore) EnsureLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	actor, err := k.actors.FindLocalActorByUsername(ctx, username)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return k.CreateLocalActor(ctx, username, username)
}
