// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/rag"
)

// Service is the part of the pipeline the API drives.
type Service interface {
	Ask(ctx context.Context, q core.Query) (*core.Answer, error)
	Summarize(ctx context.Context, groupID string, timeRange *core.TimeRange) (*core.Answer, error)
	Ingest(ctx context.Context, msgs []core.Message) (rag.IngestResult, error)
	LoadTopics(ctx context.Context, topics []core.Topic) (rag.TopicsResult, error)
	Retain(ctx context.Context, groupID string, cutoff time.Time) (int, error)
}

// Config holds server configuration.
type Config struct {
	// BasicAuthUser and BasicAuthPassword protect every route except
	// /health when both are set.
	BasicAuthUser     string
	BasicAuthPassword string

	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	RequestTimeout: 2 * time.Minute,
}

// Server routes HTTP requests to the pipeline and the group registry.
type Server struct {
	service Service
	groups  core.GroupRegistry
	config  *Config
	router  *gin.Engine
}

// New creates a server. groups may be nil, which disables the group routes.
func New(service Service, groups core.GroupRegistry, config *Config) *Server {
	if config == nil {
		config = DefaultConfig
	}
	s := &Server{service: service, groups: groups, config: config}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLog())

	router.GET("/health", s.health)

	protected := router.Group("/")
	if s.config.BasicAuthUser != "" && s.config.BasicAuthPassword != "" {
		protected.Use(gin.BasicAuth(gin.Accounts{s.config.BasicAuthUser: s.config.BasicAuthPassword}))
	}
	if s.config.RequestTimeout > 0 {
		protected.Use(timeout(s.config.RequestTimeout))
	}

	protected.POST("/load_custom_topics", s.loadTopics)

	api := protected.Group("/api")
	{
		api.POST("/ask", s.ask)
		api.POST("/summarize", s.summarize)
		api.POST("/messages", s.messages)

		api.GET("/groups", s.listGroups)
		api.POST("/groups/update", s.updateGroups)
		api.PUT("/groups/:id", s.putGroup)
		api.POST("/groups/:id/toggle", s.toggleGroup)
		api.DELETE("/groups/:id/chunks", s.deleteChunks)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLog logs one line per request in the service's log format.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[API] %s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}

func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// fail writes err with the status its kind maps to. Users only ever see
// the text rag.UserMessage picks.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": rag.UserMessage(err)})
}

func badRequest(c *gin.Context, format string, args ...any) {
	fail(c, fmt.Errorf("%w: %s", core.ErrInvalidInput, fmt.Sprintf(format, args...)))
}
