package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/activitypub"
	"github.com/deemkeen/rox/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	contentTypeActivity = activitypub.ContentTypeActivity + "; charset=utf-8"
	contentTypeJRD      = "application/jrd+json; charset=utf-8"

	// maxInboxBody caps POSTed activities.
	maxInboxBody = 1 << 20
)

// Store is the read side the public documents are rendered from.
type Store interface {
	FindLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
	FindActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	FindNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	CountFollowers(ctx context.Context, followeeId uuid.UUID) (int, error)
	ListPublicNotesByAuthor(ctx context.Context, authorId uuid.UUID, limit, offset int) ([]domain.Note, error)
	CountPublicNotesByAuthor(ctx context.Context, authorId uuid.UUID) (int, error)
}

// Deps wires the HTTP surface to the federation engine.
type Deps struct {
	Store Store
	// Domain is the host part of local handles and URIs.
	Domain  string
	Outbox  *activitypub.Outbox
	Inbox   *activitypub.Inbox
	Logger  *log.Logger
	Limiter *RateLimiter
}

type server struct {
	store  Store
	domain string
	outbox *activitypub.Outbox
	inbox  *activitypub.Inbox
	logger *log.Logger
}

// NewRouter builds the gin engine serving WebFinger, actor documents,
// collections, notes and the inboxes.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("Web")
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(rate.Limit(5), 10)
	}

	s := &server{
		store:  deps.Store,
		domain: deps.Domain,
		outbox: deps.Outbox,
		inbox:  deps.Inbox,
		logger: logger,
	}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(logger))

	docs := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	docs.GET("/.well-known/webfinger", s.handleWebFinger)
	docs.GET("/users/:actor", s.handleActor)
	docs.GET("/users/:actor/followers", s.handleFollowers)
	docs.GET("/users/:actor/outbox", s.handleOutbox)
	docs.GET("/notes/:id", s.handleNote)

	inbox := g.Group("/", RateLimitMiddleware(limiter), MaxBytesMiddleware(maxInboxBody))
	inbox.POST("/inbox", func(c *gin.Context) {
		s.inbox.HandleInbox(c.Writer, c.Request, "")
	})
	inbox.POST("/users/:actor/inbox", func(c *gin.Context) {
		s.inbox.HandleInbox(c.Writer, c.Request, c.Param("actor"))
	})

	return g
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) renderActivity(c *gin.Context, status int, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("Failed to render document", "path", c.Request.URL.Path, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, contentTypeActivity, body)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// lookupActor resolves the :actor parameter to a local actor, answering
// 404 or 500 itself when it cannot.
func (s *server) lookupActor(c *gin.Context) (*domain.Actor, bool) {
	actor, err := s.store.FindLocalActorByUsername(c.Request.Context(), c.Param("actor"))
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to load actor", "username", c.Param("actor"), "err", err)
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return actor, true
}
