package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/control"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.opts.Ledger.Ping(ctx); err != nil {
		healthy = false
		checks["ledger"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["ledger"] = gin.H{"status": "healthy"}
	}

	if st, err := s.opts.Controller.State(ctx); err != nil {
		healthy = false
		checks["controller"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["controller"] = gin.H{"status": "healthy", "agent_status": st.Status}
	}
	checks["websocket_clients"] = s.hub.Clients()

	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.opts.Controller.State(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// submitEvent accepts one control envelope: 202 when queued, 200 when the
// event id was already processed, 400 when it fails validation
func (s *Server) submitEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.ReadLimit))
	if err != nil {
		s.fail(c, http.StatusRequestEntityTooLarge, err)
		return
	}

	err = s.opts.Controller.Submit(c.Request.Context(), body)
	var verr *protocol.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   verr.Error(),
			"code":    protocol.CodeValidation,
			"eventId": verr.EventID,
		})
	case errors.Is(err, control.ErrDuplicate):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, control.ErrStopped):
		s.fail(c, http.StatusServiceUnavailable, err)
	default:
		s.fail(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.opts.Ledger.ListSessions(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*internal.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// session loads the :id session, writing a 404 when it does not exist
func (s *Server) session(c *gin.Context) (*internal.Session, bool) {
	session, err := s.opts.Ledger.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrSessionNotFound) {
		s.fail(c, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return session, true
}

func (s *Server) listSteps(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	steps, err := s.opts.Ledger.ListSteps(c.Request.Context(), session.ID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if steps == nil {
		steps = []internal.StepExecution{}
	}
	c.JSON(http.StatusOK, steps)
}

func (s *Server) sessionState(c *gin.Context) {
	var upto int64
	if v := c.Query("upto"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.fail(c, http.StatusBadRequest, errors.New("upto must be a non-negative execution id"))
			return
		}
		upto = n
	}
	session, ok := s.session(c)
	if !ok {
		return
	}
	state, err := s.opts.Ledger.CumulativeState(c.Request.Context(), session.ID, upto)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) listTimelines(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	timelines, err := s.opts.Ledger.ListTimelines(c.Request.Context(), session.ID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if timelines == nil {
		timelines = []internal.Timeline{}
	}
	c.JSON(http.StatusOK, timelines)
}

func (s *Server) history(c *gin.Context) {
	commits, err := s.opts.Workspace.History(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if commits == nil {
		commits = []internal.CommitInfo{}
	}
	c.JSON(http.StatusOK, commits)
}

func (s *Server) previewRollback(c *gin.Context) {
	ref := c.Query("commit")
	if ref == "" {
		s.fail(c, http.StatusBadRequest, errors.New("commit query parameter is required"))
		return
	}
	preview, err := s.opts.Workspace.PreviewRollback(c.Request.Context(), ref)
	var rerr *internal.RollbackError
	if errors.As(err, &rerr) {
		s.fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
