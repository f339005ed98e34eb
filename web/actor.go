package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *server) handleActor(c *gin.Context) {
	actor, ok := s.lookupActor(c)
	if !ok {
		return
	}
	c.Header("Cache-Control", "public, max-age=180")
	s.renderActivity(c, http.StatusOK, s.outbox.ActorDocument(actor))
}

// handleFollowers publishes the follower count only; the members stay
// private.
func (s *server) handleFollowers(c *gin.Context) {
	actor, ok := s.lookupActor(c)
	if !ok {
		return
	}
	total, err := s.store.CountFollowers(c.Request.Context(), actor.Id)
	if err != nil {
		s.logger.Error("Failed to count followers", "username", actor.Username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.renderActivity(c, http.StatusOK, map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           actor.FollowersURI,
		"type":         "OrderedCollection",
		"totalItems":   total,
		"orderedItems": []string{},
	})
}
