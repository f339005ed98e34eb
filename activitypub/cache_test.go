package activitypub

import (
	"testing"
	"time"

	"github.com/deemkeen/rox/domain"
)

func TestActorCacheExpiry(t *testing.T) {
	c := newActorCache(time.Hour)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	bob := &domain.Actor{URI: "https://r.example/u/bob", Host: "r.example", DisplayName: "Bob"}

	c.Put(bob, now, now)
	got, ok := c.Get(bob.URI, now.Add(59*time.Minute))
	if !ok || got.DisplayName != "Bob" {
		t.Fatalf("Expected cache hit before TTL, got %v %v", got, ok)
	}
	got.DisplayName = "changed"
	if again, _ := c.Get(bob.URI, now); again.DisplayName != "Bob" {
		t.Error("Get must return a copy")
	}

	if _, ok := c.Get(bob.URI, now.Add(time.Hour)); ok {
		t.Error("Expected miss once the TTL elapsed")
	}
	if n := c.Prune(now.Add(2 * time.Hour)); n != 1 || c.Len() != 0 {
		t.Errorf("Prune removed %d, %d left", n, c.Len())
	}
}

func TestActorCacheInvalidate(t *testing.T) {
	c := newActorCache(time.Hour)
	now := time.Now()
	bob := &domain.Actor{URI: "https://r.example/u/bob", Host: "r.example"}

	c.Put(bob, now, now)
	c.Invalidate(bob.URI)
	if _, ok := c.Get(bob.URI, now); ok {
		t.Error("Expected miss after Invalidate")
	}
}

func TestActorCacheSkipsExpiredPut(t *testing.T) {
	c := newActorCache(time.Hour)
	now := time.Now()
	c.Put(&domain.Actor{URI: "https://r.example/u/bob", Host: "r.example"}, now.Add(-2*time.Hour), now)
	if c.Len() != 0 {
		t.Error("An entry fetched before the TTL window must not be cached")
	}
}

func TestActorCacheFresh(t *testing.T) {
	c := newActorCache(time.Hour)
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-2 * time.Hour)

	tests := []struct {
		name  string
		actor *domain.Actor
		want  bool
	}{
		{"local", &domain.Actor{Username: "alice"}, true},
		{"never fetched", &domain.Actor{Host: "r.example"}, false},
		{"recent", &domain.Actor{Host: "r.example", LastFetchedAt: &recent}, true},
		{"stale", &domain.Actor{Host: "r.example", LastFetchedAt: &old}, false},
	}
	for _, tt := range tests {
		if got := c.Fresh(tt.actor, now); got != tt.want {
			t.Errorf("%s: Fresh = %v, want %v", tt.name, got, tt.want)
		}
	}
}
