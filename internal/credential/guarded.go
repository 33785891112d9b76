package credential

import (
	"context"

	"github.com/nullstream/gemini-gateway/internal/circuitbreaker"
	"github.com/nullstream/gemini-gateway/internal/domain"
)

// GuardedPool wraps a Pool so that credential selection also consults a
// circuit breaker per credential, the longer-horizon "this credential
// is flapping" signal that complements the pool's own cooling state
// machine. It satisfies the same interface the Dispatcher depends on
// (structurally; no import of the dispatcher package is needed).
type GuardedPool struct {
	pool *Pool
	cb   *circuitbreaker.Manager
}

// NewGuardedPool builds a GuardedPool over an existing Pool and
// circuit breaker Manager.
func NewGuardedPool(pool *Pool, cb *circuitbreaker.Manager) *GuardedPool {
	return &GuardedPool{pool: pool, cb: cb}
}

// Lease leases from the underlying pool, skipping any credential whose
// breaker is currently open, same as if it had already been tried.
func (g *GuardedPool) Lease(exclude map[string]bool) (domain.Credential, error) {
	for {
		cred, err := g.pool.Lease(exclude)
		if err != nil {
			return cred, err
		}
		if g.cb.Get(cred.ID).Allow(context.Background()) == nil {
			return cred, nil
		}
		exclude[cred.ID] = true
	}
}

func (g *GuardedPool) ReportSuccess(id string) {
	g.pool.ReportSuccess(id)
	g.cb.Get(id).RecordSuccess(context.Background())
}

func (g *GuardedPool) ReportFailure(id string, kind domain.ErrorKind) {
	g.pool.ReportFailure(id, kind)
	g.cb.Get(id).RecordFailure(context.Background())
}

func (g *GuardedPool) Secret(id string) (string, bool) {
	return g.pool.Secret(id)
}

// Snapshot, AdminAdd, etc. are intentionally not forwarded: admin
// operations and observability act on the underlying Pool directly, so
// callers keep a reference to both.
