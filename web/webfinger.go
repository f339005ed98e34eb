package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/rox/activitypub"
	"github.com/deemkeen/rox/domain"
	"github.com/gin-gonic/gin"
)

// webfingerUser extracts the local username from a WebFinger resource,
// which is either acct:user@domain or the actor URL itself.
func webfingerUser(resource, localDomain string) (string, bool) {
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		u, err := url.Parse(resource)
		if err != nil || !strings.EqualFold(u.Host, localDomain) {
			return "", false
		}
		name, ok := strings.CutPrefix(u.Path, "/users/")
		if !ok || name == "" || strings.Contains(name, "/") {
			return "", false
		}
		return name, true
	}

	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	user, host, found := strings.Cut(strings.TrimPrefix(acct, "@"), "@")
	if !found || user == "" || !strings.EqualFold(host, localDomain) {
		return "", false
	}
	return user, true
}

func (s *server) handleWebFinger(c *gin.Context) {
	username, ok := webfingerUser(c.Query("resource"), s.domain)
	if !ok {
		notFound(c)
		return
	}
	actor, err := s.store.FindLocalActorByUsername(c.Request.Context(), username)
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return
	}
	if err != nil {
		s.logger.Error("WebFinger lookup failed", "username", username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(WebFingerFor(actor, s.domain))
	if err != nil {
		s.logger.Error("Failed to render WebFinger", "username", username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, contentTypeJRD, body)
}

// WebFingerFor describes a local actor.
func WebFingerFor(actor *domain.Actor, localDomain string) activitypub.WebFingerResponse {
	return activitypub.WebFingerResponse{
		Subject: "acct:" + actor.Username + "@" + localDomain,
		Aliases: []string{actor.URI},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activitypub.ContentTypeActivity, Href: actor.URI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: actor.URI},
		},
	}
}
