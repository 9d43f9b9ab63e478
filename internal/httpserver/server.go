package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

// StatusSource is the narrow view of the agent required by the API.
type StatusSource interface {
	Status() model.AgentStatus
}

// Server exposes agent health and Prometheus metrics over HTTP.
type Server struct {
	addr      string
	status    StatusSource
	gatherer  prometheus.Gatherer
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	errCh     chan error
}

// NewServer creates a status server. gatherer may be nil, in which case
// /metrics is not mounted.
func NewServer(addr string, status StatusSource, gatherer prometheus.Gatherer) *Server {
	if addr == "" {
		addr = "127.0.0.1:9187"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		status:    status,
		gatherer:  gatherer,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		errCh:     make(chan error, 1),
	}
}

// Handler builds the routed engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()
	return nil
}

// Err delivers the error that stopped serving, if any. It never fires after
// a clean Stop.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"uptime":            time.Since(s.startTime).String(),
		"open_transactions": st.OpenTransactions,
		"evicted":           st.Evicted,
		"offsets":           st.Offsets,
		"cycles":            st.Cycles,
		"last_cycle":        st.LastCycle,
	})
}
