// Package credential implements the CredentialPool and its Selector:
// the set of upstream API keys, their health state, and the
// least-recently-used selection policy the Dispatcher leases from.
package credential

import (
	"sort"
	"sync"
	"time"

	"github.com/nullstream/gemini-gateway/internal/domain"
)

// CoolingPeriods is the set of per-kind cooling durations applied by
// report_failure.
type CoolingPeriods struct {
	Auth      time.Duration
	Quota     time.Duration
	Transient time.Duration
}

func (c CoolingPeriods) forKind(kind domain.ErrorKind) time.Duration {
	switch kind {
	case domain.KindAuthRejected:
		return c.Auth
	case domain.KindQuotaExceeded:
		return c.Quota
	case domain.KindTransientUpstream:
		return c.Transient
	default:
		return c.Transient
	}
}

// Pool owns the credential set. All mutations are serialized under a
// single mutex; the critical section never performs upstream I/O.
type Pool struct {
	mu          sync.Mutex
	creds       map[string]*domain.Credential
	order       []string // insertion order, stable iteration for snapshot/admin listing
	maxFailures int
	cooling     CoolingPeriods
	now         func() time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithClock overrides the pool's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New builds a Pool seeded with one Active credential per secret in
// secrets. maxFailures is the consecutive-failure threshold that forces
// cooling even for kinds that wouldn't otherwise cool immediately.
func New(secrets []string, maxFailures int, cooling CoolingPeriods, opts ...Option) *Pool {
	p := &Pool{
		creds:       make(map[string]*domain.Credential, len(secrets)),
		maxFailures: maxFailures,
		cooling:     cooling,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, secret := range secrets {
		p.addLocked(secret)
	}
	return p
}

func idFor(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (p *Pool) addLocked(secret string) string {
	id := idFor(secret)
	if _, exists := p.creds[id]; exists {
		return id
	}
	p.creds[id] = &domain.Credential{
		ID:     id,
		Secret: secret,
		State:  domain.CredentialActive,
	}
	p.order = append(p.order, id)
	return id
}

// sweepLocked transitions any Cooling credential whose CoolingUntil has
// passed back to Active, resetting its failure count. Must be called
// with mu held.
func (p *Pool) sweepLocked(now time.Time) {
	for _, c := range p.creds {
		if c.State == domain.CredentialCooling && !c.CoolingUntil.After(now) {
			c.State = domain.CredentialActive
			c.ConsecutiveFailures = 0
			c.CoolingUntil = time.Time{}
		}
	}
}

// Lease returns the Active credential with the oldest LastUsedAt that
// is not in exclude, lexicographically tie-broken by ID. It marks the
// credential used (LastUsedAt=now, TotalRequests++) before returning.
// It returns ErrNoHealthyCredential if no eligible credential exists.
func (p *Pool) Lease(exclude map[string]bool) (domain.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweepLocked(now)

	var best *domain.Credential
	for id, c := range p.creds {
		if exclude[id] || c.State != domain.CredentialActive {
			continue
		}
		if best == nil ||
			c.LastUsedAt.Before(best.LastUsedAt) ||
			(c.LastUsedAt.Equal(best.LastUsedAt) && c.ID < best.ID) {
			best = c
		}
	}

	if best == nil {
		return domain.Credential{}, p.noHealthyCredentialLocked(now)
	}

	best.LastUsedAt = now
	best.TotalRequests++
	return *best, nil
}

// noHealthyCredentialLocked builds a NoHealthyCredential error carrying
// a Retry-After hint derived from the soonest CoolingUntil among
// currently cooling credentials. Must be called with mu held.
func (p *Pool) noHealthyCredentialLocked(now time.Time) error {
	var soonest time.Time
	for _, c := range p.creds {
		if c.State != domain.CredentialCooling {
			continue
		}
		if soonest.IsZero() || c.CoolingUntil.Before(soonest) {
			soonest = c.CoolingUntil
		}
	}
	err := domain.NewError(domain.KindNoHealthyCredential, "no active credential available", nil)
	if !soonest.IsZero() {
		wait := soonest.Sub(now)
		if wait < 0 {
			wait = 0
		}
		err = err.WithRetryAfter(wait)
	}
	return err
}

// ReportSuccess resets a credential's consecutive failure count. A
// successful use is the only thing that clears cooling-adjacent
// failure accounting outside of the cooling sweep itself.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.creds[id]; ok {
		c.ConsecutiveFailures = 0
	}
}

// ReportFailure records a failed attempt of the given kind. It cools
// the credential when consecutive failures reach maxFailures, or
// immediately for AuthRejected/QuotaExceeded, per spec.
func (p *Pool) ReportFailure(id string, kind domain.ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return
	}

	c.ConsecutiveFailures++
	c.TotalFailures++

	shouldCool := c.ConsecutiveFailures >= p.maxFailures ||
		kind == domain.KindAuthRejected || kind == domain.KindQuotaExceeded
	if !shouldCool {
		return
	}

	c.State = domain.CredentialCooling
	c.CoolingUntil = p.now().Add(p.cooling.forKind(kind))
}

// AdminAdd adds a new Active credential for secret, returning its id.
func (p *Pool) AdminAdd(secret string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(secret)
}

// AdminRemove deletes a credential entirely.
func (p *Pool) AdminRemove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.creds[id]; !ok {
		return false
	}
	delete(p.creds, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// AdminDisable forces a credential to Disabled; only the admin surface
// ever sets this state.
func (p *Pool) AdminDisable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return false
	}
	c.State = domain.CredentialDisabled
	return true
}

// AdminEnable moves a Disabled credential back to Active.
func (p *Pool) AdminEnable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return false
	}
	c.State = domain.CredentialActive
	c.CoolingUntil = time.Time{}
	return true
}

// AdminReset transitions a credential to Active with counters preserved
// but ConsecutiveFailures and CoolingUntil cleared, per spec's admin
// reset semantics.
func (p *Pool) AdminReset(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return false
	}
	c.State = domain.CredentialActive
	c.ConsecutiveFailures = 0
	c.CoolingUntil = time.Time{}
	return true
}

// Snapshot returns an observability-facing view of every credential,
// sorted by ID.
func (p *Pool) Snapshot() []domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweepLocked(now)

	out := make([]domain.Snapshot, 0, len(p.order))
	for _, id := range p.order {
		c, ok := p.creds[id]
		if !ok {
			continue
		}
		out = append(out, domain.Snapshot{
			ID:                  c.ID,
			State:               c.State.String(),
			ConsecutiveFailures: c.ConsecutiveFailures,
			TotalRequests:       c.TotalRequests,
			TotalFailures:       c.TotalFailures,
			LastUsedAt:          c.LastUsedAt,
			CoolingUntil:        c.CoolingUntil,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Secret returns the bearer secret for id, used by the UpstreamClient
// when constructing a request. Returns ok=false if the credential is
// unknown (e.g. removed concurrently).
func (p *Pool) Secret(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[id]
	if !ok {
		return "", false
	}
	return c.Secret, true
}

// Len reports the number of credentials currently in the pool,
// regardless of state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
