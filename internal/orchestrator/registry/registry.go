package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrConflict indicates an active session of the same kind already
	// exists for the extension.
	ErrConflict = errors.New("concurrent session conflict")

	// ErrNotFound indicates no session matches the id or extension.
	ErrNotFound = errors.New("session not found")
)

// Canceler tears down one session's provider-side resources. Registered per
// kind by the owning workflow; invoked by the expiry sweep. Implementations
// must be best-effort and must not panic the sweep.
type Canceler func(s Session)

// Config holds registry configuration.
type Config struct {
	// TTL maps each session kind to its maximum age.
	TTL map[Kind]time.Duration

	// SweepInterval is how often the background sweep runs. Zero disables
	// the background loop (SweepExpired can still be called directly).
	SweepInterval time.Duration
}

// DefaultConfig returns the session lifetimes from the workflow design: an
// unfinished transfer handoff is abandoned quickly, conferences are
// operator-attended for much longer.
func DefaultConfig() Config {
	return Config{
		TTL: map[Kind]time.Duration{
			KindAttendedTransfer: 5 * time.Minute,
			KindConference:       30 * time.Minute,
			KindMonitor:          30 * time.Minute,
		},
		SweepInterval: 30 * time.Second,
	}
}

// Registry is a concurrent session store keyed by (kind, extension) and by
// session id. Create is a true compare-and-insert: two concurrent starts for
// the same extension and kind yield exactly one session and one ErrConflict.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]Session
	byExt     map[Kind]map[string]Session
	ttl       map[Kind]time.Duration
	cancelers map[Kind]Canceler
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
}

// New creates a registry and, when cfg.SweepInterval > 0, starts the
// background expiry sweep.
func New(cfg Config) *Registry {
	r := &Registry{
		byID:      make(map[string]Session),
		byExt:     make(map[Kind]map[string]Session),
		ttl:       make(map[Kind]time.Duration),
		cancelers: make(map[Kind]Canceler),
		stopCh:    make(chan struct{}),
		interval:  cfg.SweepInterval,
	}
	for k, d := range cfg.TTL {
		r.ttl[k] = d
	}
	if r.interval > 0 {
		go r.sweepLoop()
	}
	return r
}

// OnExpire registers the cancellation path for a kind. The sweep calls it for
// each expired session of that kind before removing the entry.
func (r *Registry) OnExpire(kind Kind, fn Canceler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelers[kind] = fn
}

// Create inserts the session if no active session of the same kind exists for
// its extension. The check and insert are one atomic step.
func (r *Registry) Create(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exts, ok := r.byExt[s.Kind()]
	if !ok {
		exts = make(map[string]Session)
		r.byExt[s.Kind()] = exts
	}
	if prior, exists := exts[s.Extension()]; exists {
		return fmt.Errorf("extension %s already has %s session %s: %w",
			s.Extension(), s.Kind(), prior.ID(), ErrConflict)
	}
	exts[s.Extension()] = s
	r.byID[s.ID()] = s
	return nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// GetByExtension returns the extension's active session of the given kind.
func (r *Registry) GetByExtension(kind Kind, extension string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byExt[kind][extension]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("extension %s has no %s session: %w", extension, kind, ErrNotFound)
}

// Remove deletes the session and its extension index entry. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if exts, ok := r.byExt[s.Kind()]; ok {
		if cur, ok := exts[s.Extension()]; ok && cur.ID() == id {
			delete(exts, s.Extension())
		}
	}
}

// Detach drops only the extension index entry, keeping the session reachable
// by id. Used when an initiator leaves a conference that continues without
// them: the extension is freed for a new session while the bridge record
// survives for participant queries.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	if exts, ok := r.byExt[s.Kind()]; ok {
		if cur, ok := exts[s.Extension()]; ok && cur.ID() == id {
			delete(exts, s.Extension())
		}
	}
}

// Len reports the number of sessions held, in total and detached included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// All returns a snapshot of every session.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// SweepExpired tears down every session older than its kind's TTL as of now.
// Each expired session goes through its kind's registered cancellation path;
// a failure in one session's teardown never stops the rest. Returns the
// number of sessions swept.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	var expired []Session
	for _, s := range r.byID {
		ttl, ok := r.ttl[s.Kind()]
		if ok && now.Sub(s.CreatedAt()) > ttl {
			expired = append(expired, s)
		}
	}
	cancelers := make(map[Kind]Canceler, len(r.cancelers))
	for k, fn := range r.cancelers {
		cancelers[k] = fn
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.expireOne(s, cancelers[s.Kind()])
	}
	return len(expired)
}

func (r *Registry) expireOne(s Session, cancel Canceler) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("session expiry teardown panicked",
				"session_id", s.ID(), "kind", s.Kind().String(), "panic", rec)
		}
		// The cancel path normally removes the entry itself; this is the
		// backstop that keeps a failed teardown from leaking the slot.
		r.Remove(s.ID())
	}()

	slog.Info("sweeping expired session",
		"session_id", s.ID(),
		"kind", s.Kind().String(),
		"extension", s.Extension(),
		"age", time.Since(s.CreatedAt()).Round(time.Second).String(),
	)
	if cancel != nil {
		cancel(s)
	}
}

// Close stops the background sweep.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepExpired(time.Now())
		case <-r.stopCh:
			return
		}
	}
}
