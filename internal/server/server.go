// Package server exposes the access gate over a small JSON API and runs the
// health and metrics endpoints alongside the expiry sweeper.
//
// Each client gets its own profile, identified by a random id in the
// gate_profile cookie, so sessions, attempt counters and lockouts are never
// shared between visitors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/portfolio-gate/internal/catalog"
	"github.com/developingchet/portfolio-gate/internal/gate"
	"github.com/developingchet/portfolio-gate/internal/metrics"
	"github.com/developingchet/portfolio-gate/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes = 4 << 10

	profileCookie = "gate_profile"
	profileMaxAge = 365 * 24 * 60 * 60
)

// Config holds listener, cookie and throttle settings.
type Config struct {
	HTTPAddr         string
	HealthAddr       string
	MetricsAddr      string
	MetricsEnabled   bool
	UnlockRatePerSec float64 // 0 disables the unlock throttle
	UnlockBurst      int
	SweepInterval    time.Duration
	CookieSecure     bool
}

// Server wires the gate to HTTP listeners and the background sweeper.
type Server struct {
	cfg     Config
	gates   *gate.Registry
	db      storage.DB
	catalog *catalog.Catalog
	limiter *rate.Limiter
	log     zerolog.Logger
	sweeper zerolog.Logger
}

// New constructs a Server. cat may be nil when content is configured only
// through credentials.
func New(cfg Config, gates *gate.Registry, db storage.DB, cat *catalog.Catalog, log zerolog.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.UnlockRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UnlockRatePerSec), cfg.UnlockBurst)
	}
	return &Server{
		cfg:     cfg,
		gates:   gates,
		db:      db,
		catalog: cat,
		limiter: limiter,
		log:     log.With().Str("component", "server").Logger(),
		sweeper: log.With().Str("component", "sweeper").Logger(),
	}
}

// Run starts all listeners and the sweeper, and blocks until ctx is cancelled
// or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(gctx, "api", s.cfg.HTTPAddr, s.Handler())
	})

	g.Go(func() error {
		return s.serve(gctx, "health", s.cfg.HealthAddr, s.healthHandler())
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return s.serve(gctx, "metrics", s.cfg.MetricsAddr, mux)
		})
	}

	if s.cfg.SweepInterval > 0 {
		sweeper := gate.NewSweeper(s.gates, s.db, s.cfg.SweepInterval, s.sweeper)
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Handler returns the JSON API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/protected", s.handleProtected)
	mux.HandleFunc("GET /api/items", s.handleItems)
	mux.HandleFunc("GET /api/items/{id}", s.handleItem)
	mux.HandleFunc("POST /api/items/{id}/unlock", s.handleUnlock)
	mux.HandleFunc("DELETE /api/items/{id}/access", s.handleRevoke)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session", s.handleSession)
	return s.instrument(mux)
}

func (s *Server) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.db.Profiles(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// ---- Handlers --------------------------------------------------------------

type itemResponse struct {
	ID        string   `json:"id"`
	Title     string   `json:"title,omitempty"`
	Category  string   `json:"category,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Featured  bool     `json:"featured,omitempty"`
	Protected bool     `json:"protected"`
	Access    bool     `json:"access"`
	CanView   bool     `json:"canView"`
}

type unlockRequest struct {
	Password string `json:"password"`
}

type sessionResponse struct {
	ExpiresAt *int64 `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// gateFor returns the gate for the requesting client, issuing a new profile
// cookie when the request carries none or an invalid one. It must run before
// anything is written to w.
func (s *Server) gateFor(w http.ResponseWriter, r *http.Request) (*gate.Gate, bool) {
	profile := ""
	if c, err := r.Cookie(profileCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			profile = id.String()
		}
	}
	if profile == "" {
		profile = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     profileCookie,
			Value:    profile,
			Path:     "/",
			MaxAge:   profileMaxAge,
			HttpOnly: true,
			Secure:   s.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	g, err := s.gates.For(profile)
	if err != nil {
		s.log.Error().Err(err).Msg("open profile failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return nil, false
	}
	return g, true
}

// describe reports id for the requesting client, with catalog metadata when
// available. ok is false for ids that are neither protected nor catalogued.
func (s *Server) describe(g *gate.Gate, id string) (itemResponse, bool) {
	resp := itemResponse{
		ID:        id,
		Protected: g.IsProtected(id),
		Access:    g.HasAccess(id),
		CanView:   g.CanView(id),
	}
	if s.catalog == nil {
		return resp, true
	}
	it, ok := s.catalog.Lookup(id)
	if !ok {
		return resp, resp.Protected
	}
	resp.Title = it.Title
	resp.Category = it.Category
	resp.Tags = it.Tags
	resp.Featured = it.Featured
	return resp, true
}

// itemIDs lists catalog items in catalog order, then protected ids that only
// come from credentials.
func (s *Server) itemIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	if s.catalog != nil {
		for _, it := range s.catalog.Items() {
			ids = append(ids, it.Slug)
			seen[it.Slug] = true
		}
	}
	for _, id := range s.gates.ProtectedIDs() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ids": s.gates.ProtectedIDs()})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}
	ids := s.itemIDs()
	items := make([]itemResponse, 0, len(ids))
	for _, id := range ids {
		it, _ := s.describe(g, id)
		items = append(items, it)
	}
	writeJSON(w, http.StatusOK, map[string][]itemResponse{"items": items})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}
	it, found := s.describe(g, r.PathValue("id"))
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown item"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}

	var req unlockRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "password is required"})
		return
	}

	res := g.Validate(r.PathValue("id"), req.Password)
	writeJSON(w, statusFor(res.Outcome), res)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}
	g.Revoke(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}
	g.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateFor(w, r)
	if !ok {
		return
	}
	var resp sessionResponse
	if exp, ok := g.SessionExpiry(); ok {
		ms := exp.UnixMilli()
		resp.ExpiresAt = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a validation outcome to an HTTP status code.
func statusFor(o gate.Outcome) int {
	switch o {
	case gate.Granted:
		return http.StatusOK
	case gate.Denied:
		return http.StatusUnauthorized
	case gate.Locked, gate.LockedJustNow:
		return http.StatusLocked
	case gate.NotProtected:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- Middleware ------------------------------------------------------------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags each request with an X-Request-ID, counts it by route and
// status, and logs it.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}
