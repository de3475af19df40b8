package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tugdl/tug/internal/extract"
	"github.com/tugdl/tug/internal/history"
	"github.com/tugdl/tug/internal/queue"
	"github.com/tugdl/tug/internal/utils"
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version": Version,
		"tasks":   s.manager.Stats(),
		"clients": s.hub.ClientCount(),
	}
	if free, err := utils.FreeDiskSpace(s.dataDir); err == nil {
		resp["disk_free"] = free
	}
	if s.store != nil {
		if stats, err := s.store.Stats(c.Request.Context()); err == nil {
			resp["history"] = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Tasks())
}

func (s *Server) handleAddTask(c *gin.Context) {
	var req queue.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.manager.Add(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	task, err := s.manager.Task(id)
	if err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.manager.Task(c.Param("id"))
	if err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handlePauseTask(c *gin.Context) {
	s.taskCommand(c, s.manager.Pause)
}

func (s *Server) handleResumeTask(c *gin.Context) {
	s.taskCommand(c, s.manager.Resume)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	s.taskCommand(c, s.manager.Cancel)
}

// taskCommand runs one id-addressed operation and responds with the updated
// task snapshot.
func (s *Server) taskCommand(c *gin.Context, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	task, err := s.manager.Task(id)
	if err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleResumeAll(c *gin.Context) {
	resumed, err := s.manager.ResumeAll()
	if err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed})
}

func (s *Server) handleRemoveTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Remove(id); err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

func (s *Server) handleClearCompleted(c *gin.Context) {
	cleared, err := s.manager.ClearCompleted()
	if err != nil {
		abortWithError(c, errStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, http.StatusServiceUnavailable, errors.New("history store not configured"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := s.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleClearHistory(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, http.StatusServiceUnavailable, errors.New("history store not configured"))
		return
	}
	removed, err := s.store.Clear(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleExtract(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		abortWithError(c, http.StatusBadRequest, errors.New("url query parameter is required"))
		return
	}
	info, err := extract.Probe(c.Request.Context(), url)
	if err != nil {
		abortWithError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
