// Package server is the presentation transport: a gin HTTP API over the
// ledger and workspace, and a websocket hub that streams core events and
// accepts control envelopes.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReadLimit         = 64 * 1024
	DefaultMessagesPerSecond = 20
	shutdownTimeout          = 5 * time.Second
)

// Controller accepts control envelopes and reports agent state
type Controller interface {
	Submit(ctx context.Context, raw []byte) error
	State(ctx context.Context) (internal.AgentState, error)
}

// Ledger is the read side of the session ledger
type Ledger interface {
	Ping(ctx context.Context) error
	ListSessions(ctx context.Context) ([]*internal.Session, error)
	GetSession(ctx context.Context, id string) (*internal.Session, error)
	ListSteps(ctx context.Context, sessionID string) ([]internal.StepExecution, error)
	CumulativeState(ctx context.Context, sessionID string, uptoID int64) (*internal.CumulativeState, error)
	ListTimelines(ctx context.Context, sessionID string) ([]internal.Timeline, error)
}

// Workspace is the read side of the versioned store
type Workspace interface {
	History(ctx context.Context) ([]internal.CommitInfo, error)
	PreviewRollback(ctx context.Context, ref string) (*gitstore.RollbackPreview, error)
}

// Subscriber is the event source streamed to websocket clients
type Subscriber interface {
	Subscribe(buffer int, types ...string) (<-chan protocol.Envelope, func())
}

// Options configures a Server
type Options struct {
	Addr       string
	Controller Controller
	Ledger     Ledger
	Workspace  Workspace
	Bus        Subscriber
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	// ReadLimit caps request bodies and websocket frames.
	ReadLimit         int64
	MessagesPerSecond float64
	Logger            *zap.Logger
}

// Server serves the HTTP API and the websocket hub
type Server struct {
	opts   Options
	router *gin.Engine
	hub    *Hub
	logger *zap.Logger
}

// New builds the router. Run starts serving.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil || opts.Ledger == nil || opts.Workspace == nil || opts.Bus == nil {
		return nil, errors.New("server requires a controller, ledger, workspace and bus")
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("server")

	s := &Server{
		opts:   opts,
		logger: logger,
		hub:    NewHub(opts.Controller, opts.ReadLimit, opts.MessagesPerSecond, logger),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })

	api := r.Group("/api")
	{
		api.GET("/status", s.status)
		api.POST("/events", s.submitEvent)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id/steps", s.listSteps)
		api.GET("/sessions/:id/state", s.sessionState)
		api.GET("/sessions/:id/timelines", s.listTimelines)
		api.GET("/history", s.history)
		api.GET("/rollback/preview", s.previewRollback)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run serves on Addr until ctx is cancelled, with the hub relaying bus
// events to websocket clients
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx, s.opts.Bus)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
