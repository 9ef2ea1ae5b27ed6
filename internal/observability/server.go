package observability

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"instabot/internal/engine"
	rtsup "instabot/internal/runtime/supervisor"
	logx "instabot/pkg/logx"
)

// ServerConfig controls the status/control HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:8089"

// Control is the scheduler surface exposed over HTTP.
type Control interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	State() engine.State
}

// Server serves /healthz, /status, /metrics, /control/* and optionally
// /debug/pprof/. It runs under its own supervisor restart loop.
type Server struct {
	log     logx.Logger
	cfg     ServerConfig
	ctrl    Control
	metrics *Metrics
	// extra is merged into /status under "runtime".
	extra func() any

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg ServerConfig, ctrl Control, metrics *Metrics, extra func() any, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.WriteTimeout == 0 && cfg.Pprof {
		// /debug/pprof/profile streams for 30s by default.
		cfg.WriteTimeout = 45 * time.Second
	}
	return &Server{
		log:     log.With(logx.String("comp", "http")),
		cfg:     cfg,
		ctrl:    ctrl,
		metrics: metrics,
		extra:   extra,
	}
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start launches the serve loop. It is idempotent and a no-op when disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("http server refused to start: non-loopback addr requires token or allow_insecure")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		_ = ln.Close()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.addr = ln.Addr().String()
	first := ln
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", s.cfg.Addr); err != nil {
				return err
			}
		}
		return s.serve(c, l)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("http server running without token on non-loopback addr (insecure)", logx.String("addr", s.addr))
	}
	s.log.Info("http server started", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.addr = nil, ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("http server stopped")
	return err
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(s.cfg.Token, h) }

	// Liveness stays unauthenticated so process supervisors can poll it.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /status", wrap(s.handleStatus))
	if s.metrics != nil {
		mux.Handle("GET /metrics", withAuth(s.cfg.Token, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	mux.Handle("POST /control/{op}", wrap(s.handleControl))

	if s.cfg.Pprof {
		mux.Handle("GET /debug/pprof/", wrap(hpprof.Index))
		mux.Handle("GET /debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("GET /debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("GET /debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("GET /debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"scheduler": s.ctrl.State()}
	if s.extra != nil {
		out["runtime"] = s.extra()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")
	var err error
	switch op {
	case "start":
		err = s.ctrl.Start(context.WithoutCancel(r.Context()))
	case "stop":
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		err = s.ctrl.Stop(ctx)
		cancel()
	case "pause":
		err = s.ctrl.Pause()
	case "resume":
		err = s.ctrl.Resume()
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown operation " + op})
		return
	}
	if err != nil {
		s.log.Warn("control request failed", logx.String("op", op), logx.Err(err))
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("control request", logx.String("op", op))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": s.ctrl.State().Status})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrStopPending):
		return http.StatusConflict
	case engine.IsConfigError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.Trim(strings.TrimSpace(h), "[]")
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
