package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/rox/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleNote serves a local note that is visible without authentication.
// Everything else, renotes included, is reported as missing.
func (s *server) handleNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	ctx := c.Request.Context()

	note, err := s.store.FindNoteById(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load note", "id", id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if note.IsRenote() || (note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityHome) {
		notFound(c)
		return
	}

	author, err := s.store.FindActorById(ctx, note.AuthorId)
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load note author", "id", id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if !author.IsLocal() {
		notFound(c)
		return
	}
	s.renderActivity(c, http.StatusOK, s.outbox.NoteObject(note, author))
}
