// Package keyregistry owns the full population of upstream credentials
// and their coarse health state: failure counts, per-(credential,model)
// cooldowns, and a round-robin fallback selector over the currently
// valid subset.
//
// The registry never blocks a caller and never talks to the network.
// It is pure bookkeeping, serialized under one mutex, and is the
// source of truth the valid key pool (package validpool) falls back to
// when its cache is empty.
package keyregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mirror is an optional cross-instance sink for cooldown/fail-count
// bookkeeping, satisfied unmodified by internal/cache.Cache. It never
// gates a registry decision - mirroring is fire-and-forget, and a
// write failure is logged and ignored rather than surfaced to the
// caller driving the registry mutation.
type Mirror interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Credential identifies an upstream API key. Identity is the string
// itself; the registry never inspects its contents.
type Credential string

// Model identifies an upstream model name, as passed by the caller.
// Cooldowns are scoped per (Credential, Model) pair.
type Model string

// cooldownKey is the map key for the per-model cooldown table.
type cooldownKey struct {
	cred  Credential
	model Model
}

// Config configures a Registry.
type Config struct {
	// MaxFailures is the failure count at which a credential is
	// evicted from the valid set.
	MaxFailures int

	// QuotaResetHour is the hour of day (0-23) at which per-model
	// quotas are considered reset, in Timezone's wall clock.
	QuotaResetHour int

	// Timezone is the IANA zone name used to compute quota reset
	// instants. Defaults to UTC if empty or unparsable.
	Timezone string
}

// Registry is the process-wide population of known credentials and
// their health state. All exported methods are safe for concurrent
// use; every mutation is serialized under mu.
type Registry struct {
	loc         *time.Location
	failCount   map[Credential]int
	cooldown    map[cooldownKey]time.Time
	all         []Credential
	valid       []Credential
	mirror      Mirror
	maxFailures int
	resetHour   int
	cursor      int
	mu          sync.Mutex
}

// WithMirror attaches an optional cross-instance state mirror. Must
// be called before the registry is shared across goroutines.
func (r *Registry) WithMirror(m Mirror) *Registry {
	r.mirror = m
	return r
}

// mirrorFailure best-effort mirrors c's failure count, off the
// registry's mutex.
func (r *Registry) mirrorFailure(c Credential, count int) {
	if r.mirror == nil {
		return
	}
	go func() {
		key := fmt.Sprintf("keyregistry:failcount:%s", c)
		if err := r.mirror.SetWithTTL(context.Background(), key, []byte(fmt.Sprintf("%d", count)), 24*time.Hour); err != nil {
			log.Debug().Err(err).Str("credential_key", key).Msg("keyregistry: mirror write failed")
		}
	}()
}

// mirrorCooldown best-effort mirrors (c, m)'s cooldown expiry, off
// the registry's mutex.
func (r *Registry) mirrorCooldown(c Credential, m Model, until time.Time) {
	if r.mirror == nil {
		return
	}
	go func() {
		key := fmt.Sprintf("keyregistry:cooldown:%s:%s", c, m)
		ttl := time.Until(until)
		if ttl <= 0 {
			return
		}
		if err := r.mirror.SetWithTTL(context.Background(), key, []byte(until.UTC().Format(time.RFC3339)), ttl); err != nil {
			log.Debug().Err(err).Str("credential_key", key).Msg("keyregistry: mirror write failed")
		}
	}()
}

// New creates a Registry over the given credentials. All credentials
// start with a zero failure count and are members of valid[].
func New(creds []Credential, cfg Config) *Registry {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn().Str("timezone", cfg.Timezone).Err(err).Msg("keyregistry: falling back to UTC")
		}
	}

	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}

	r := &Registry{
		all:         append([]Credential(nil), creds...),
		valid:       append([]Credential(nil), creds...),
		failCount:   make(map[Credential]int, len(creds)),
		cooldown:    make(map[cooldownKey]time.Time),
		maxFailures: maxFailures,
		resetHour:   cfg.QuotaResetHour,
		loc:         loc,
	}

	log.Info().Int("num_credentials", len(creds)).Int("max_failures", maxFailures).Msg("keyregistry: initialized")

	return r
}

// All returns a snapshot of every known credential, in registration
// order.
func (r *Registry) All() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Credential(nil), r.all...)
}

// Valid returns a snapshot of the currently valid subsequence.
func (r *Registry) Valid() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Credential(nil), r.valid...)
}

// FailureCount returns the current failure count for c (0 if unknown).
func (r *Registry) FailureCount(c Credential) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failCount[c]
}

// CooldownUntil returns the absolute UTC cooldown expiry for (c, m),
// or the zero time if none is set.
func (r *Registry) CooldownUntil(c Credential, m Model) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldown[cooldownKey{c, m}]
}

// NextWorkingKey returns the next credential in valid[] (round robin,
// advancing cursor), skipping credentials currently cooled down for
// model. If model is empty, cooldown is not considered.
//
// When every valid credential is in cooldown for model, this still
// returns one of them (spec.md §9 Open Question #3: preserved
// intentionally, not fixed — the caller's next upstream call will
// re-enter the error classifier and re-cool it).
func (r *Registry) NextWorkingKey(model Model) Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextWorkingKeyLocked(model)
}

func (r *Registry) nextWorkingKeyLocked(model Model) Credential {
	n := len(r.valid)
	if n == 0 {
		return ""
	}
	if r.cursor >= n {
		r.cursor = 0
	}

	now := time.Now().UTC()
	start := r.cursor
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		c := r.valid[idx]
		if model == "" || r.cooldown[cooldownKey{c, model}].Before(now) || r.cooldown[cooldownKey{c, model}].IsZero() {
			r.cursor = (idx + 1) % n
			return c
		}
	}

	// All cooled down: return the credential at cursor anyway.
	c := r.valid[r.cursor]
	r.cursor = (r.cursor + 1) % n
	return c
}

// NextKey returns the credential immediately following currentKey in
// valid[], wrapping around. Used by the retry driver to force a key
// change between attempts. Returns "" if valid[] is empty.
func (r *Registry) NextKey(currentKey Credential) Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.valid)
	if n == 0 {
		return ""
	}

	for i, c := range r.valid {
		if c == currentKey {
			return r.valid[(i+1)%n]
		}
	}

	// currentKey not found (already evicted); fall back to round robin.
	return r.nextWorkingKeyLocked("")
}

// MarkFailed sets c's failure count to the eviction threshold and
// removes it from valid[]. Callers are responsible for also removing
// c from the pool (validpool.Pool.Evict).
func (r *Registry) MarkFailed(c Credential) {
	r.mu.Lock()
	r.failCount[c] = r.maxFailures
	r.removeFromValidLocked(c)
	r.mu.Unlock()

	r.mirrorFailure(c, r.maxFailures)
}

// IncrementFailure increments c's failure count, evicting from
// valid[] once the threshold is reached.
func (r *Registry) IncrementFailure(c Credential) {
	r.mu.Lock()
	r.failCount[c]++
	count := r.failCount[c]
	if count >= r.maxFailures {
		r.removeFromValidLocked(c)
	}
	r.mu.Unlock()

	r.mirrorFailure(c, count)
}

// ResetFailure clears c's failure count and re-adds it to valid[] if
// it isn't already a member.
func (r *Registry) ResetFailure(c Credential) {
	r.mu.Lock()
	r.failCount[c] = 0
	r.addToValidLocked(c)
	r.mu.Unlock()

	r.mirrorFailure(c, 0)
}

// CoolDown sets the cooldown for (c, m) to the next occurrence of the
// configured quota-reset hour, converted to UTC.
func (r *Registry) CoolDown(c Credential, m Model) time.Time {
	r.mu.Lock()
	until := r.nextResetInstant()
	r.cooldown[cooldownKey{c, m}] = until
	r.mu.Unlock()

	r.mirrorCooldown(c, m, until)
	return until
}

// nextResetInstant computes the next wall-clock occurrence of
// resetHour:00 in loc, returned as an absolute UTC time.
func (r *Registry) nextResetInstant() time.Time {
	now := time.Now().In(r.loc)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), r.resetHour, 0, 0, 0, r.loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC()
}

// Remove performs a hard removal of c from all[], valid[], failCount,
// and cooldown. Pool membership is the caller's responsibility.
func (r *Registry) Remove(c Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromValidLocked(c)

	for i, known := range r.all {
		if known == c {
			r.all = append(r.all[:i], r.all[i+1:]...)
			break
		}
	}
	delete(r.failCount, c)
	for key := range r.cooldown {
		if key.cred == c {
			delete(r.cooldown, key)
		}
	}
}

func (r *Registry) removeFromValidLocked(c Credential) {
	for i, v := range r.valid {
		if v == c {
			r.valid = append(r.valid[:i], r.valid[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			return
		}
	}
}

func (r *Registry) addToValidLocked(c Credential) {
	for _, v := range r.valid {
		if v == c {
			return
		}
	}
	r.valid = append(r.valid, c)
}

// Snapshot captures enough state to restore across a config reload.
type Snapshot struct {
	failCount map[Credential]int
	nextKey   Credential
}

// Snapshot captures failure counts and the credential that would be
// returned by the next NextWorkingKey call, for use by ResetAll.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc := make(map[Credential]int, len(r.failCount))
	for k, v := range r.failCount {
		fc[k] = v
	}

	var next Credential
	if len(r.valid) > 0 {
		next = r.valid[r.cursor%len(r.valid)]
	}

	return Snapshot{failCount: fc, nextKey: next}
}

// ResetAll rebuilds the registry with a new credential list, restoring
// failure counts for credentials present in both the old snapshot and
// the new list, and placing the cursor on the old "next" credential
// when it is still present, so the next NextWorkingKey call returns it.
func ResetAll(snap Snapshot, creds []Credential, cfg Config) *Registry {
	r := New(creds, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	for c, n := range snap.failCount {
		if _, known := indexOf(r.all, c); known {
			r.failCount[c] = n
			if n >= r.maxFailures {
				r.removeFromValidLocked(c)
			}
		}
	}

	if snap.nextKey != "" {
		if idx, ok := indexOf(r.valid, snap.nextKey); ok {
			r.cursor = idx
		}
	}

	log.Info().Int("num_credentials", len(creds)).Msg("keyregistry: reset preserving state")

	return r
}

func indexOf(s []Credential, c Credential) (int, bool) {
	for i, v := range s {
		if v == c {
			return i, true
		}
	}
	return 0, false
}
