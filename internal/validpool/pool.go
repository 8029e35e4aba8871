// Package validpool implements the valid key pool: a bounded FIFO
// cache of recently-verified credentials sitting in front of the key
// registry, so that the common case checkout never pays the cost of a
// verification round-trip. Falls back to the registry's round-robin
// selection whenever the cache is empty, and repopulates itself in
// the background via three refill strategies.
package validpool

import (
	"container/list"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/omarluq/gemini-relay/internal/errclass"
	"github.com/omarluq/gemini-relay/internal/keyregistry"
	"github.com/omarluq/gemini-relay/internal/ratelimit"
)

// Verifier probes a single credential against the upstream using a
// small fixed model and a minimal prompt, returning the HTTP status
// code (if any) and error observed.
type Verifier interface {
	Verify(ctx context.Context, model string, cred keyregistry.Credential) (statusCode int, err error)
}

// HealthReporter records per-name success/failure outcomes into a
// circuit breaker (satisfied by *health.Tracker). The pool reports
// into it under the fixed name passed to WithHealth, so the breaker
// reflects the health of the one upstream this pool draws credentials
// for, independent of any individual credential's own standing.
type HealthReporter interface {
	RecordSuccess(name string)
	RecordFailure(name string, err error)
}

// Config configures a Pool.
type Config struct {
	// Size is the steady-state target pool capacity.
	Size int
	// MinThreshold is the low-water mark that drives refill
	// probability and maintenance urgency.
	MinThreshold int
	// EmergencyRefillCount bounds how many candidates an emergency
	// refill verifies in parallel.
	EmergencyRefillCount int
	// ConcurrentVerifications bounds the global number of in-flight
	// verification calls.
	ConcurrentVerifications int
	// KeyTTL is the base time-to-live of a freshly verified pool
	// entry; actual expiry is jittered ±10%.
	KeyTTL time.Duration
	// TestModel is the small model used for verification probes.
	TestModel string
	// ProModels lists model name prefixes (after suffix-stripping)
	// that count against ProModelMaxUsage instead of
	// NonProModelMaxUsage.
	ProModels []string
	// ProModelMaxUsage and NonProModelMaxUsage cap per-checkout usage
	// before a pooled entry is discarded and a refill is triggered.
	// A value ≤0 means unlimited.
	ProModelMaxUsage    int
	NonProModelMaxUsage int
}

// Stats mirrors the running counters spec'd for the pool; all fields
// are updated atomically and safe to read concurrently with Pool
// operations.
type Stats struct {
	Hits                  atomic.Int64
	Misses                atomic.Int64
	UsageExhaustedRemoved atomic.Int64
	ExpiredRemoved        atomic.Int64
	EmergencyRefills      atomic.Int64
	MaintenanceRuns       atomic.Int64
}

// pooledKey is one FIFO entry: a verified credential plus its
// lifecycle bookkeeping.
type pooledKey struct {
	cred       keyregistry.Credential
	createdAt  time.Time
	expiresAt  time.Time
	usageCount int
}

func (p *pooledKey) expired(now time.Time) bool {
	return now.After(p.expiresAt)
}

// Pool is the valid key pool described by the checkout algorithm:
// FIFO rotation, per-model cooldown/expiry/usage-cap eviction, and
// three background refill strategies.
type Pool struct {
	registry *keyregistry.Registry
	verifier Verifier
	limiter  *ratelimit.TokenBucketLimiter

	cfg Config

	checkoutLock sync.Mutex
	fifo         *list.List
	elems        map[keyregistry.Credential]*list.Element

	emergencyLock  sync.Mutex
	inVerification sync.Map // keyregistry.Credential -> struct{}
	sem            chan struct{}

	lastEvictionRefill atomic.Int64 // unix nanos

	maintenanceTick atomic.Int64

	health     HealthReporter
	healthName string

	Stats Stats
}

// WithHealth attaches a HealthReporter that every subsequent
// MarkUsable/MarkUnusable call reports into under name, and returns
// the Pool for chaining. A Pool with no reporter attached behaves
// exactly as before (health reporting is a no-op).
func (p *Pool) WithHealth(name string, reporter HealthReporter) *Pool {
	p.healthName = name
	p.health = reporter
	return p
}

// reportsUpstreamHealth is true for Kinds that reflect the upstream's
// own health rather than anything specific to the credential used.
func reportsUpstreamHealth(k errclass.Kind) bool {
	switch k {
	case errclass.KindUpstreamUnavailable, errclass.KindTimeout, errclass.KindServerError, errclass.KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// New constructs a Pool. Verifier must be non-nil: the pool has no
// "set the verifier later" path, since an un-verifiable pool can
// never transition a candidate out of the emergency-refill fallback.
func New(registry *keyregistry.Registry, verifier Verifier, cfg Config) (*Pool, error) {
	if verifier == nil {
		return nil, errNilVerifier
	}
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.ConcurrentVerifications <= 0 {
		cfg.ConcurrentVerifications = 1
	}

	p := &Pool{
		registry: registry,
		verifier: verifier,
		limiter:  ratelimit.NewTokenBucketLimiter(0, 0),
		cfg:      cfg,
		fifo:     list.New(),
		elems:    make(map[keyregistry.Credential]*list.Element),
		sem:      make(chan struct{}, cfg.ConcurrentVerifications),
	}

	log.Info().Int("size", cfg.Size).Int("min_threshold", cfg.MinThreshold).Msg("validpool: initialized")

	return p, nil
}

var errNilVerifier = poolError("validpool: Verifier must not be nil")

type poolError string

func (e poolError) Error() string { return string(e) }

// capFor returns the usage cap for model per spec.md's pro/non-pro
// split, after stripping the known modifier suffixes.
func (p *Pool) capFor(model string) int {
	base := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(model, "-search"), "-image"), "-non-thinking")
	if lo.SomeBy(p.cfg.ProModels, func(m string) bool { return m == base }) {
		return p.cfg.ProModelMaxUsage
	}
	return p.cfg.NonProModelMaxUsage
}

// Checkout returns a credential suitable for an immediate request
// against model. Never fails: on a cold or exhausted pool it falls
// back to the registry's round-robin selection and kicks off an
// asynchronous emergency refill.
func (p *Pool) Checkout(ctx context.Context, model string) keyregistry.Credential {
	p.checkoutLock.Lock()

	p.sweepExpiredLocked()

	cap := p.capFor(model)
	now := time.Now().UTC()

	for e := p.fifo.Front(); e != nil; {
		next := e.Next()
		pk := e.Value.(*pooledKey)

		cooledDown := !p.registry.CooldownUntil(pk.cred, keyregistry.Model(model)).IsZero() &&
			p.registry.CooldownUntil(pk.cred, keyregistry.Model(model)).After(now)

		switch {
		case pk.expired(now) || cooledDown:
			p.removeLocked(pk.cred)
			p.triggerEvictionRefillLocked()

		case cap > 0 && pk.usageCount >= cap:
			p.Stats.UsageExhaustedRemoved.Add(1)
			p.removeLocked(pk.cred)
			p.triggerEvictionRefillLocked()

		default:
			pk.usageCount++
			p.fifo.MoveToBack(e)
			p.Stats.Hits.Add(1)
			p.checkoutLock.Unlock()
			return pk.cred
		}

		e = next
	}

	p.Stats.Misses.Add(1)
	p.checkoutLock.Unlock()

	fallback := p.registry.NextWorkingKey(keyregistry.Model(model))
	go p.emergencyRefill(context.Background())
	return fallback
}

// sweepExpiredLocked drops every expired entry from the head of the
// FIFO and spawns a background re-validation task for each, per
// checkout algorithm step 1. Caller must hold checkoutLock.
func (p *Pool) sweepExpiredLocked() {
	now := time.Now().UTC()
	var expired []keyregistry.Credential

	for e := p.fifo.Front(); e != nil; e = e.Next() {
		pk := e.Value.(*pooledKey)
		if pk.expired(now) {
			expired = append(expired, pk.cred)
		}
	}

	for _, c := range expired {
		p.removeLocked(c)
		p.Stats.ExpiredRemoved.Add(1)
		go p.revalidate(context.Background(), c)
	}
}

func (p *Pool) removeLocked(c keyregistry.Credential) {
	if e, ok := p.elems[c]; ok {
		p.fifo.Remove(e)
		delete(p.elems, c)
	}
}

// MarkUsable records a successful use of c, resetting its failure
// count through the registry.
func (p *Pool) MarkUsable(c keyregistry.Credential) {
	p.registry.ResetFailure(c)
	if p.health != nil {
		p.health.RecordSuccess(p.healthName)
	}
}

// MarkUnusable records a failed use of c against model, running the
// error classifier and applying its verdict to the registry and pool.
func (p *Pool) MarkUnusable(c keyregistry.Credential, model string, statusCode int, cause error) {
	v := errclass.Classify(statusCode, cause)

	if p.health != nil && reportsUpstreamHealth(v.Kind) {
		// The breaker's IsSuccessful treats a nil error as success, so a
		// bare HTTP status with no transport error needs a synthetic one
		// to actually register as a failure.
		reportErr := cause
		if reportErr == nil {
			reportErr = fmt.Errorf("upstream %s: status %d", v.Kind, statusCode)
		}
		p.health.RecordFailure(p.healthName, reportErr)
	}

	switch v.Action {
	case errclass.ActionEvictImmediately:
		p.registry.MarkFailed(c)
		p.checkoutLock.Lock()
		p.removeLocked(c)
		p.checkoutLock.Unlock()

	case errclass.ActionIncrementAndMaybeEvict:
		p.registry.IncrementFailure(c)
		if !registryHasValid(p.registry, c) {
			p.checkoutLock.Lock()
			p.removeLocked(c)
			p.checkoutLock.Unlock()
		}

	case errclass.ActionCoolDownModel:
		p.registry.CoolDown(c, keyregistry.Model(model))
		p.checkoutLock.Lock()
		p.removeLocked(c)
		p.checkoutLock.Unlock()

	case errclass.ActionDecrementAndEvict:
		p.RemoveFromPool(c)

	case errclass.ActionResetFailures:
		p.registry.ResetFailure(c)
	}

	log.Debug().Str("kind", v.Kind.String()).Str("model", model).Int("status", statusCode).Msg("validpool: credential marked unusable")
}

// triggerEvictionRefillLocked implements the on-eviction probabilistic
// refill strategy. Caller must hold checkoutLock.
func (p *Pool) triggerEvictionRefillLocked() {
	last := p.lastEvictionRefill.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < 5*time.Second {
		return
	}

	n := p.fifo.Len()
	var prob float64

	switch {
	case n < p.cfg.MinThreshold/2:
		prob = 1.0
	case n < p.cfg.MinThreshold:
		prob = 0.9
	case float64(n) < 0.8*float64(p.cfg.Size):
		// Linear decay across the [MinThreshold, 0.8*Size) band.
		span := 0.8*float64(p.cfg.Size) - float64(p.cfg.MinThreshold)
		if span <= 0 {
			prob = 0.2
		} else {
			frac := (float64(n) - float64(p.cfg.MinThreshold)) / span
			prob = 0.4 - 0.2*frac
		}
	default:
		prob = 0.05
	}

	if rand.Float64() > prob {
		return
	}

	p.lastEvictionRefill.Store(time.Now().UnixNano())
	go p.emergencyRefill(context.Background())
}

// emergencyRefill is the emergency refill strategy: bounded by
// emergencyLock so at most one run is active, it samples up to
// EmergencyRefillCount untried credentials from valid[] \ poolSet,
// verifies them concurrently under sem, and appends successes to the
// pool until Size is reached.
func (p *Pool) emergencyRefill(ctx context.Context) {
	if !p.emergencyLock.TryLock() {
		return
	}
	defer p.emergencyLock.Unlock()

	p.Stats.EmergencyRefills.Add(1)

	candidates := p.candidatesLocked()
	if len(candidates) == 0 {
		return
	}

	picked := lo.Sample(candidates, min(p.cfg.EmergencyRefillCount, len(candidates)))

	var wg sync.WaitGroup
	for _, c := range picked {
		if p.poolSize() >= p.cfg.Size {
			break
		}
		wg.Add(1)
		go func(cred keyregistry.Credential) {
			defer wg.Done()
			p.verifyAndAdd(ctx, cred)
		}(c)
	}
	wg.Wait()
}

func (p *Pool) candidatesLocked() []keyregistry.Credential {
	valid := p.registry.Valid()

	p.checkoutLock.Lock()
	inPool := make(map[keyregistry.Credential]struct{}, len(p.elems))
	for c := range p.elems {
		inPool[c] = struct{}{}
	}
	p.checkoutLock.Unlock()

	return lo.Filter(valid, func(c keyregistry.Credential, _ int) bool {
		_, exists := inPool[c]
		return !exists
	})
}

func (p *Pool) poolSize() int {
	p.checkoutLock.Lock()
	defer p.checkoutLock.Unlock()
	return p.fifo.Len()
}

// verifyAndAdd runs one verification of cred and, on success, adds it
// to the pool as a fresh PooledKey. Guarded by sem and inVerification
// to bound global concurrency and suppress duplicate in-flight
// verifications of the same credential.
func (p *Pool) verifyAndAdd(ctx context.Context, cred keyregistry.Credential) {
	if _, loaded := p.inVerification.LoadOrStore(cred, struct{}{}); loaded {
		return
	}
	defer p.inVerification.Delete(cred)

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	statusCode, err := p.verifier.Verify(ctx, p.cfg.TestModel, cred)
	if err != nil || (statusCode != 0 && (statusCode < 200 || statusCode >= 300)) {
		v := errclass.Classify(statusCode, err)
		switch v.Action {
		case errclass.ActionEvictImmediately:
			p.registry.MarkFailed(cred)
		case errclass.ActionIncrementAndMaybeEvict:
			p.registry.IncrementFailure(cred)
		case errclass.ActionCoolDownModel:
			p.registry.CoolDown(cred, keyregistry.Model(p.cfg.TestModel))
		}
		return
	}

	p.registry.ResetFailure(cred)

	p.checkoutLock.Lock()
	defer p.checkoutLock.Unlock()

	// Re-check pool size under lock after verification succeeds, to
	// handle the race against other concurrently completing refills.
	if p.fifo.Len() >= p.cfg.Size {
		return
	}
	if _, exists := p.elems[cred]; exists {
		return
	}

	p.addFreshLocked(cred)
}

func (p *Pool) addFreshLocked(cred keyregistry.Credential) {
	now := time.Now().UTC()
	jitter := jitteredTTL(p.cfg.KeyTTL)

	pk := &pooledKey{
		cred:      cred,
		createdAt: now,
		expiresAt: now.Add(jitter),
	}
	p.elems[cred] = p.fifo.PushBack(pk)
}

// revalidate re-verifies a credential that expired out of the pool,
// re-adding it on success per the state machine's "Pending
// re-validation" transition.
func (p *Pool) revalidate(ctx context.Context, cred keyregistry.Credential) {
	p.verifyAndAdd(ctx, cred)
}

// registryHasValid reports whether c is still in the registry's valid set.
func registryHasValid(r *keyregistry.Registry, c keyregistry.Credential) bool {
	return lo.Contains(r.Valid(), c)
}

// jitteredTTL applies a ±10% jitter to base.
func jitteredTTL(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	delta := time.Duration(float64(base) * 0.10 * (2*rand.Float64() - 1))
	return base + delta
}

// Maintain runs the scheduled-maintenance refill strategy: sweeps
// expired entries, tops up the pool with a paced sequential
// verify-and-add up to a small per-tick budget, and periodically runs
// a lightweight liveness sweep. Invoked by an external scheduler.
func (p *Pool) Maintain(ctx context.Context) {
	p.Stats.MaintenanceRuns.Add(1)
	tick := p.maintenanceTick.Add(1)

	p.checkoutLock.Lock()
	p.sweepExpiredLocked()
	n := p.fifo.Len()
	p.checkoutLock.Unlock()

	if n < p.cfg.Size {
		budget := 1
		switch {
		case n < p.cfg.MinThreshold/2:
			budget = 3
		case n < p.cfg.MinThreshold:
			budget = 2
		}

		candidates := p.candidatesLocked()
		picked := lo.Sample(candidates, min(budget, len(candidates)))

		for _, c := range picked {
			p.verifyAndAdd(ctx, c)
			time.Sleep(time.Second)
		}
	}

	if tick%5 == 0 || n < p.cfg.MinThreshold {
		p.livenessSweep()
	}
}

// livenessSweep inspects up to 5 random pool entries and drops any
// that have expired, without re-verifying against the upstream (to
// avoid burning quota during routine maintenance).
func (p *Pool) livenessSweep() {
	p.checkoutLock.Lock()
	defer p.checkoutLock.Unlock()

	all := make([]*list.Element, 0, p.fifo.Len())
	for e := p.fifo.Front(); e != nil; e = e.Next() {
		all = append(all, e)
	}

	sample := lo.Sample(all, min(5, len(all)))
	now := time.Now().UTC()
	for _, e := range sample {
		pk := e.Value.(*pooledKey)
		if pk.expired(now) {
			p.fifo.Remove(e)
			delete(p.elems, pk.cred)
			p.Stats.ExpiredRemoved.Add(1)
		}
	}
}

// Size returns the current number of entries in the pool.
func (p *Pool) Size() int {
	return p.poolSize()
}

// Capacity returns the pool's configured steady-state target size
// (Config.Size), distinct from Size's current occupancy.
func (p *Pool) Capacity() int {
	return p.cfg.Size
}

// RemoveFromPool soft-removes a credential from the pool only (per
// KR.removeFromPool semantics), leaving registry membership untouched.
func (p *Pool) RemoveFromPool(c keyregistry.Credential) {
	p.checkoutLock.Lock()
	defer p.checkoutLock.Unlock()
	p.removeLocked(c)
}

// Clear empties the pool. Used on config reload before rebuilding
// from a new credential list.
func (p *Pool) Clear() {
	p.checkoutLock.Lock()
	defer p.checkoutLock.Unlock()
	p.fifo = list.New()
	p.elems = make(map[keyregistry.Credential]*list.Element)
}
