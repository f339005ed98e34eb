package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/rox/activitypub"
	"github.com/deemkeen/rox/domain"
	"github.com/gin-gonic/gin"
)

const outboxPageSize = 20

// handleOutbox serves the collection summary without a page parameter and
// Create activities of public notes, newest first, with one.
func (s *server) handleOutbox(c *gin.Context) {
	actor, ok := s.lookupActor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	outboxURL := actor.URI + "/outbox"

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.store.CountPublicNotesByAuthor(ctx, actor.Id)
		if err != nil {
			s.logger.Error("Failed to count notes", "username", actor.Username, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		s.renderActivity(c, http.StatusOK, map[string]any{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		})
		return
	}

	notes, err := s.store.ListPublicNotesByAuthor(ctx, actor.Id, outboxPageSize+1, (page-1)*outboxPageSize)
	if err != nil {
		s.logger.Error("Failed to list notes", "username", actor.Username, "page", page, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	hasMore := len(notes) > outboxPageSize
	if hasMore {
		notes = notes[:outboxPageSize]
	}

	items := make([]map[string]any, 0, len(notes))
	for i := range notes {
		activity, err := s.createActivity(actor, &notes[i])
		if err != nil {
			s.logger.Warn("Skipping note in outbox", "note", notes[i].Id, "err", err)
			continue
		}
		items = append(items, activity)
	}

	collectionPage := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	s.renderActivity(c, http.StatusOK, collectionPage)
}

// createActivity wraps a stored note in a Create with a stable id and the
// note's own publication time.
func (s *server) createActivity(author *domain.Actor, n *domain.Note) (map[string]any, error) {
	activity, err := s.outbox.BuildActivity(activitypub.KindCreateNote, activitypub.Payload{
		Actor:      author,
		Note:       n,
		ActivityID: s.outbox.NoteURI(n) + "/activity",
	})
	if err != nil {
		return nil, err
	}
	delete(activity, "@context")
	activity["published"] = n.CreatedAt.UTC().Format(time.RFC3339)
	return activity, nil
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
