// Package server exposes the queue over a small REST API plus a websocket
// event stream for the daemon mode.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tugdl/tug/internal/history"
	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/queue"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type Server struct {
	engine  *gin.Engine
	httpSrv *http.Server
	manager *queue.Manager
	store   *history.Store
	hub     *Hub
	dataDir string
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the API around an already-started queue Manager. The history
// store may be nil, which disables the archive endpoints.
func New(manager *queue.Manager, store *history.Store, dataDir string) *Server {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  gin.New(),
		manager: manager,
		store:   store,
		hub:     NewHub(),
		dataDir: dataDir,
		log:     logx.Get("server"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/tasks", s.handleListTasks)
	api.POST("/tasks", s.handleAddTask)
	api.GET("/tasks/:id", s.handleGetTask)
	api.POST("/tasks/:id/pause", s.handlePauseTask)
	api.POST("/tasks/:id/resume", s.handleResumeTask)
	api.POST("/tasks/resume-all", s.handleResumeAll)
	api.POST("/tasks/:id/cancel", s.handleCancelTask)
	api.DELETE("/tasks/:id", s.handleRemoveTask)
	api.DELETE("/tasks/completed", s.handleClearCompleted)
	api.GET("/history", s.handleHistory)
	api.DELETE("/history", s.handleClearHistory)
	api.GET("/extract", s.handleExtract)
	s.engine.GET("/ws", s.handleWebSocket)
}

// Run blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Run(addr string) error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchQueue()
	}()

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket and long polls manage their own deadlines
	}
	s.log.Info().Msgf("listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and stops the event pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	return err
}

// watchQueue forwards queue notifications to the websocket hub.
func (s *Server) watchQueue() {
	notifications, unsub := s.manager.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			s.hub.Emit(eventName(n.Kind), n)
		}
	}
}

func eventName(kind queue.NotificationKind) string {
	switch kind {
	case queue.NoteProgress:
		return "task_progress"
	case queue.NoteCompleted:
		return "task_completed"
	case queue.NoteFailed:
		return "task_failed"
	case queue.NoteRemoved:
		return "task_removed"
	default:
		return "task_status_changed"
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
