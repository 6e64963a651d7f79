package gate

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/developingchet/portfolio-gate/internal/storage"
	"github.com/rs/zerolog"
)

const lockStripes = 64

// Registry hands out gates scoped to one client profile each. All gates for
// a profile share a lock, so concurrent requests from one client are
// serialised while different clients proceed independently.
type Registry struct {
	base  *Gate
	db    storage.DB
	locks [lockStripes]sync.Mutex
	log   zerolog.Logger
}

// NewRegistry validates cfg and returns a Registry over db.
func NewRegistry(cfg Config, db storage.DB, log zerolog.Logger, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	base, err := newGate(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{base: base, db: db, log: base.log}, nil
}

// IsProtected reports whether id requires a credential.
func (r *Registry) IsProtected(id string) bool {
	return r.base.IsProtected(id)
}

// ProtectedIDs returns the sorted ids of all protected content.
func (r *Registry) ProtectedIDs() []string {
	return r.base.ProtectedIDs()
}

// For returns the gate for profile.
func (r *Registry) For(profile string) (*Gate, error) {
	store, err := r.db.Profile(profile)
	if err != nil {
		return nil, err
	}
	return r.base.withStore(store, r.lockFor(profile), r.log.With().Str("profile", profile).Logger()), nil
}

func (r *Registry) lockFor(profile string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(profile))
	return &r.locks[h.Sum32()%lockStripes]
}

// SweepResult summarises one pass over all profiles.
type SweepResult struct {
	Cleared   int // profiles whose expired session was cleared
	Dropped   int // profiles removed because they held no state
	Remaining int
}

// Sweep clears expired sessions in every profile and drops profiles left
// with no persisted state.
func (r *Registry) Sweep() (SweepResult, error) {
	var res SweepResult
	names, err := r.db.Profiles()
	if err != nil {
		return res, fmt.Errorf("list profiles: %w", err)
	}
	for _, name := range names {
		g, err := r.For(name)
		if err != nil {
			r.log.Warn().Err(err).Str("profile", name).Msg("sweep: open profile failed")
			res.Remaining++
			continue
		}
		if g.Sweep() {
			res.Cleared++
		}
		if g.dropIfEmpty(func() error { return r.db.Drop(name) }) {
			res.Dropped++
			continue
		}
		res.Remaining++
	}
	return res, nil
}
