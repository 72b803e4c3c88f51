package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/deskshell/internal/events"
	"github.com/loykin/deskshell/internal/history"
	"github.com/loykin/deskshell/internal/supervisor"
)

// Router provides embeddable HTTP handlers that let a webview front-end
// report lifecycle events and read the backend status.
// Endpoints:
//   GET  {basePath}/status         supervisor snapshot
//   POST {basePath}/window/close   window close requested
//   POST {basePath}/app/exit       application exit
//   GET  {basePath}/history        recent lifecycle events (when configured)
//   GET  {basePath}/metrics        Prometheus metrics (when configured)
// The POST handlers return after the backend has exited.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	status   StatusProvider
	dispatch Dispatcher
	basePath string
	recent   *history.Memory
	metrics  http.Handler
}

// StatusProvider reports the supervisor state.
type StatusProvider interface {
	Snapshot() supervisor.Snapshot
}

// Dispatcher routes lifecycle events into the termination procedure.
type Dispatcher interface {
	Dispatch(ev events.Event) (supervisor.Result, error)
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(status StatusProvider, dispatch Dispatcher, basePath string) *Router {
	return &Router{status: status, dispatch: dispatch, basePath: sanitizeBase(basePath)}
}

// WithHistory serves recent events from m on /history.
func (r *Router) WithHistory(m *history.Memory) *Router {
	r.recent = m
	return r
}

// WithMetrics serves h on /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/window/close", r.handleEvent(events.WindowCloseRequested))
	group.POST("/app/exit", r.handleEvent(events.ApplicationExit))
	if r.recent != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Server is a running control API server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds addr and serves h in the background. Bind errors are
// returned here rather than lost in the serving goroutine.
func NewServer(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Control server stopped", "addr", addr, "error", err)
		}
	}()
	return s, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type eventResp struct {
	OK         bool   `json:"ok"`
	Noop       bool   `json:"noop"`
	PID        int    `json:"pid,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Exit       string `json:"exit,omitempty"`
	Slow       bool   `json:"slow,omitempty"`
	PortHeld   bool   `json:"port_held,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.status.Snapshot())
}

func (r *Router) handleEvent(kind events.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := r.dispatch.Dispatch(events.Event{Kind: kind, Source: "api"})
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		resp := eventResp{
			OK:         true,
			Noop:       res.Noop,
			PID:        res.PID,
			DurationMS: res.Duration.Milliseconds(),
			Slow:       res.Slow,
			PortHeld:   res.PortHeld,
		}
		if res.ExitErr != nil {
			resp.Exit = res.ExitErr.Error()
		}
		writeJSON(c, http.StatusOK, resp)
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	evts := r.recent.Events()
	if t := c.Query("type"); t != "" {
		filtered := evts[:0]
		for _, e := range evts {
			if string(e.Type) == t {
				filtered = append(filtered, e)
			}
		}
		evts = filtered
	}
	writeJSON(c, http.StatusOK, evts)
}
