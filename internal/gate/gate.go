// Package gate implements the password gate for protected portfolio content:
// a per-profile session of unlocked items, a failed-attempt counter and a
// time-boxed lockout, all persisted through a storage.Store.
//
// Every operation is total. Storage faults are logged, counted and replaced
// with the safe default for the affected piece of state (empty session, zero
// attempts, no lockout); they never reach the caller.
package gate

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/portfolio-gate/internal/metrics"
	"github.com/developingchet/portfolio-gate/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the gate's fixed configuration.
type Config struct {
	Credentials     map[string]string // content id -> secret (plaintext or bcrypt hash)
	SessionDuration time.Duration
	MaxAttempts     int
	LockoutDuration time.Duration
}

// DefaultConfig returns the reference durations and limits with no credentials.
func DefaultConfig() Config {
	return Config{
		Credentials:     map[string]string{},
		SessionDuration: 24 * time.Hour,
		MaxAttempts:     5,
		LockoutDuration: 15 * time.Minute,
	}
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock replaces time.Now as the gate's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate is the access-control core for one profile. It is safe for
// concurrent use: a mutex serialises every read-modify-write over the
// persisted keys. Gates handed out by a Registry share that mutex per profile.
type Gate struct {
	mu      *sync.Mutex
	cfg     Config
	secrets map[string]secret
	ids     []string
	store   storage.Store
	now     func() time.Time
	log     zerolog.Logger
}

// New validates cfg and returns a Gate persisting its state in store.
func New(cfg Config, store storage.Store, log zerolog.Logger, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	g, err := newGate(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	g.store = store
	return g, nil
}

func newGate(cfg Config, log zerolog.Logger, opts ...Option) (*Gate, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1; got %d", cfg.MaxAttempts)
	}
	if cfg.SessionDuration <= 0 {
		return nil, fmt.Errorf("session duration must be > 0; got %s", cfg.SessionDuration)
	}
	if cfg.LockoutDuration <= 0 {
		return nil, fmt.Errorf("lockout duration must be > 0; got %s", cfg.LockoutDuration)
	}

	secrets := make(map[string]secret, len(cfg.Credentials))
	ids := make([]string, 0, len(cfg.Credentials))
	for id, s := range cfg.Credentials {
		if id == "" {
			return nil, fmt.Errorf("credential with empty content id")
		}
		if s == "" {
			return nil, fmt.Errorf("credential for %q has an empty secret", id)
		}
		secrets[id] = newSecret(s)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g := &Gate{
		mu:      &sync.Mutex{},
		cfg:     cfg,
		secrets: secrets,
		ids:     ids,
		now:     time.Now,
		log:     log.With().Str("component", "gate").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// withStore returns a copy of g bound to another store and lock.
func (g *Gate) withStore(store storage.Store, mu *sync.Mutex, log zerolog.Logger) *Gate {
	c := *g
	c.store = store
	c.mu = mu
	c.log = log
	return &c
}

// IsProtected reports whether id requires a credential.
func (g *Gate) IsProtected(id string) bool {
	_, ok := g.secrets[id]
	return ok
}

// ProtectedIDs returns the sorted ids of all protected content.
func (g *Gate) ProtectedIDs() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// HasAccess reports whether id is unlocked in the current session. An expired
// session is discarded together with the attempt counter and lockout.
// Unprotected ids are never part of a session, so they report false.
func (g *Gate) HasAccess(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.readSession()
	if s.expiredAt(g.now().UnixMilli()) {
		g.clearAll("expired")
		return false
	}
	return s.contains(id)
}

// CanView reports whether content may be shown: either no gate applies or
// the id is unlocked.
func (g *Gate) CanView(id string) bool {
	if !g.IsProtected(id) {
		return true
	}
	return g.HasAccess(id)
}

// Validate checks candidate against the secret for id.
//
// An active lockout short-circuits everything else, including a correct
// secret. A success clears the attempt counter and any stale lockout, adds
// id to the session and refreshes the session expiry. A failure increments
// the counter; reaching MaxAttempts starts a lockout and resets the counter.
func (g *Gate) Validate(id, candidate string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	res := g.validate(id, candidate)
	metrics.Validations.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (g *Gate) validate(id, candidate string) Result {
	now := g.now()
	nowMs := now.UnixMilli()

	if until, ok := g.readLockout(); ok && nowMs < until {
		minutes := ceilMinutes(until - nowMs)
		g.log.Debug().Str("content_id", id).Int("minutes_remaining", minutes).Msg("validation rejected: locked out")
		return lockedResult(Locked, minutes)
	}

	sec, ok := g.secrets[id]
	if !ok {
		return notProtectedResult()
	}

	if sec.matches(candidate) {
		g.deleteKey(KeyAttempts)
		g.deleteKey(KeyLockout)
		g.grant(id, nowMs)
		g.log.Info().Str("content_id", id).Msg("access granted")
		return grantedResult()
	}

	attempts := g.readAttempts() + 1
	if attempts >= g.cfg.MaxAttempts {
		until := now.Add(g.cfg.LockoutDuration).UnixMilli()
		if !g.writeKey(KeyLockout, encodeInt(until)) {
			// Keep the count so the next failure retries the lockout.
			g.writeKey(KeyAttempts, encodeInt(int64(attempts)))
			return lockedResult(LockedJustNow, ceilMinutes(g.cfg.LockoutDuration.Milliseconds()))
		}
		g.deleteKey(KeyAttempts)
		metrics.Lockouts.Inc()
		g.log.Warn().Str("content_id", id).Int("attempts", attempts).
			Dur("lockout", g.cfg.LockoutDuration).Msg("too many failed attempts: locked out")
		return lockedResult(LockedJustNow, ceilMinutes(g.cfg.LockoutDuration.Milliseconds()))
	}

	g.writeKey(KeyAttempts, encodeInt(int64(attempts)))
	g.log.Info().Str("content_id", id).Int("attempts", attempts).Msg("incorrect password")
	return deniedResult(g.cfg.MaxAttempts - attempts)
}

// grant adds id to the session and moves the shared expiry forward. An
// expired session is void, so its ids are not carried into the new one.
func (g *Gate) grant(id string, nowMs int64) {
	s := g.readSession()
	if s.expiredAt(nowMs) {
		s = session{AuthenticatedPieces: []string{}}
	}
	if !s.contains(id) {
		s.AuthenticatedPieces = append(s.AuthenticatedPieces, id)
	}
	s.ExpiresAt = nowMs + g.cfg.SessionDuration.Milliseconds()
	g.writeSession(s)
}

// Revoke removes id from the session. The attempt counter and lockout are untouched.
func (g *Gate) Revoke(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.readSession()
	kept := s.AuthenticatedPieces[:0]
	for _, p := range s.AuthenticatedPieces {
		if p != id {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(s.AuthenticatedPieces) {
		return
	}
	s.AuthenticatedPieces = kept
	g.writeSession(s)
	metrics.Revocations.Inc()
	g.log.Info().Str("content_id", id).Msg("access revoked")
}

// Logout clears the session, attempt counter and lockout.
func (g *Gate) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearAll("logout")
	g.log.Info().Msg("logged out")
}

// SessionExpiry returns the session expiry instant, or false when no session is set.
func (g *Gate) SessionExpiry() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.readSession()
	if s.ExpiresAt <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(s.ExpiresAt), true
}

// Sweep clears all persisted state if the session has expired. It reports
// whether anything was cleared.
func (g *Gate) Sweep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.readSession()
	if !s.expiredAt(g.now().UnixMilli()) {
		return false
	}
	g.clearAll("sweep")
	return true
}

// State is a point-in-time view of the persisted gate state.
type State struct {
	UnlockedIDs []string  `json:"unlockedIds"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Expired     bool      `json:"expired"`
	Attempts    int       `json:"attempts"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	Locked      bool      `json:"locked"`
}

// dropIfEmpty calls drop while holding the gate lock when the profile holds
// no persisted keys. Unreadable profiles are kept.
func (g *Gate) dropIfEmpty(drop func() error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries, err := g.store.List()
	if err != nil {
		g.fault("list", err)
		return false
	}
	if len(entries) > 0 {
		return false
	}
	if err := drop(); err != nil {
		g.fault("drop", err)
		return false
	}
	return true
}

// Snapshot reads the persisted state without modifying it.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := g.now().UnixMilli()
	s := g.readSession()
	st := State{
		UnlockedIDs: append([]string(nil), s.AuthenticatedPieces...),
		Expired:     s.expiredAt(nowMs),
		Attempts:    g.readAttempts(),
	}
	if s.ExpiresAt > 0 {
		st.ExpiresAt = time.UnixMilli(s.ExpiresAt)
	}
	if until, ok := g.readLockout(); ok {
		st.LockedUntil = time.UnixMilli(until)
		st.Locked = nowMs < until
	}
	return st
}

// ---- Persistence helpers (caller holds g.mu) -------------------------------

func (g *Gate) readSession() session {
	raw, ok, err := g.store.Get(KeySession)
	if err != nil {
		g.fault("read_session", err)
		return session{AuthenticatedPieces: []string{}}
	}
	if !ok || raw == "" {
		return session{AuthenticatedPieces: []string{}}
	}
	s, err := decodeSession(raw)
	if err != nil {
		g.fault("parse_session", err)
		return session{AuthenticatedPieces: []string{}}
	}
	return s
}

func (g *Gate) writeSession(s session) {
	raw, err := encodeSession(s)
	if err != nil {
		g.fault("write_session", err)
		return
	}
	g.writeKey(KeySession, raw)
}

func (g *Gate) readAttempts() int {
	n, ok := g.readInt(KeyAttempts, "attempts")
	if !ok || n < 0 {
		return 0
	}
	return int(n)
}

// readLockout returns the lockout instant in epoch ms. Absent, zero and
// unreadable values all mean no lockout.
func (g *Gate) readLockout() (int64, bool) {
	n, ok := g.readInt(KeyLockout, "lockout")
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

func (g *Gate) readInt(key, label string) (int64, bool) {
	raw, ok, err := g.store.Get(key)
	if err != nil {
		g.fault("read_"+label, err)
		return 0, false
	}
	if !ok || raw == "" {
		return 0, false
	}
	n, err := decodeInt(raw)
	if err != nil {
		g.fault("parse_"+label, err)
		return 0, false
	}
	return n, true
}

func (g *Gate) writeKey(key, value string) bool {
	if err := g.store.Set(key, value); err != nil {
		g.fault("write", err)
		return false
	}
	return true
}

func (g *Gate) deleteKey(key string) {
	if err := g.store.Delete(key); err != nil {
		g.fault("delete", err)
	}
}

func (g *Gate) clearAll(reason string) {
	for _, key := range []string{KeySession, KeyAttempts, KeyLockout} {
		g.deleteKey(key)
	}
	metrics.SessionsCleared.WithLabelValues(reason).Inc()
	g.log.Debug().Str("reason", reason).Msg("session cleared")
}

func (g *Gate) fault(op string, err error) {
	metrics.StorageFaults.WithLabelValues(op).Inc()
	g.log.Warn().Err(err).Str("op", op).Msg("storage fault recovered")
}

// ceilMinutes converts a millisecond span to whole minutes, rounding up.
func ceilMinutes(ms int64) int {
	const minute = int64(time.Minute / time.Millisecond)
	return int((ms + minute - 1) / minute)
}

// ---- Secrets ---------------------------------------------------------------

// secret matches a candidate password against a configured credential.
type secret struct {
	value  []byte
	hashed bool
}

// newSecret treats values that parse as bcrypt hashes as hashed secrets and
// everything else as plaintext.
func newSecret(s string) secret {
	_, err := bcrypt.Cost([]byte(s))
	return secret{value: []byte(s), hashed: err == nil}
}

// matches compares exactly: case-sensitive and untrimmed.
func (s secret) matches(candidate string) bool {
	if s.hashed {
		return bcrypt.CompareHashAndPassword(s.value, []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare(s.value, []byte(candidate)) == 1
}
