// Package dispatcher orchestrates the attempt loop that executes one
// logical request against the upstream, retrying across credentials up
// to a configured attempt budget and enforcing an overall deadline.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nullstream/gemini-gateway/internal/credential"
	"github.com/nullstream/gemini-gateway/internal/domain"
)

// UpstreamClient is the collaborator the Dispatcher calls once per
// attempt. Implemented by internal/upstream.
type UpstreamClient interface {
	Invoke(ctx context.Context, req domain.ChatRequest, secret string) (*domain.CompletionArtifact, error)
	InvokeStream(ctx context.Context, req domain.ChatRequest, secret string) (<-chan domain.StreamChunk, <-chan error)
}

// Pool is the subset of credential.Pool the Dispatcher depends on.
type Pool interface {
	Lease(exclude map[string]bool) (domain.Credential, error)
	ReportSuccess(id string)
	ReportFailure(id string, kind domain.ErrorKind)
	Secret(id string) (string, bool)
}

var _ Pool = (*credential.Pool)(nil)

// Config bounds one Dispatcher's attempt loop.
type Config struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	OverallDeadline   time.Duration
}

// Dispatcher executes ChatRequests against the upstream through the
// credential pool, per spec §4.2's attempt loop.
type Dispatcher struct {
	pool     Pool
	upstream UpstreamClient
	cfg      Config
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New builds a Dispatcher.
func New(pool Pool, upstream UpstreamClient, cfg Config) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		upstream: upstream,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the non-streaming attempt loop and returns a completion
// artifact plus the id of the credential that served it, or a
// GatewayError classifying why every attempt failed.
func (d *Dispatcher) Execute(ctx context.Context, req domain.ChatRequest) (*domain.CompletionArtifact, string, error) {
	deadline := d.now().Add(d.cfg.OverallDeadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	tried := make(map[string]bool)
	var lastErr error
	backoff := 200 * time.Millisecond
	backedOff := false

	for len(tried) < d.cfg.MaxAttempts {
		if d.now().After(deadline) {
			return nil, "", domain.ErrDeadlineExceeded
		}

		cred, err := d.pool.Lease(tried)
		if err != nil {
			var ge *domain.GatewayError
			if errors.As(err, &ge) && ge.Kind == domain.KindNoHealthyCredential && len(tried) == 0 {
				// No attempts made yet at all; nothing to back off from.
				return nil, "", err
			}
			if errors.As(err, &ge) && ge.Kind == domain.KindNoHealthyCredential {
				// Some credentials cooled mid-loop; one brief backoff
				// before giving up, bounded by the overall deadline.
				if backedOff {
					break
				}
				backedOff = true
				if sleepErr := d.sleep(ctx, backoff); sleepErr != nil {
					return nil, "", classifyContextErr(sleepErr, lastErr)
				}
				continue
			}
			return nil, "", err
		}
		tried[cred.ID] = true

		secret, ok := d.pool.Secret(cred.ID)
		if !ok {
			continue
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, d.cfg.PerAttemptTimeout)
		artifact, err := d.upstream.Invoke(attemptCtx, req, secret)
		attemptCancel()

		if err == nil {
			d.pool.ReportSuccess(cred.ID)
			return artifact, cred.ID, nil
		}

		if isCancellation(ctx, err) {
			return nil, "", domain.ErrClientCancelled
		}

		ge, ok := domain.AsGatewayError(err)
		if !ok {
			ge = domain.NewError(domain.KindTransientUpstream, "unclassified upstream error", err)
		}

		lastErr = ge
		if ge.Kind.Retryable() {
			d.pool.ReportFailure(cred.ID, ge.Kind)
			slog.Warn("upstream attempt failed, retrying",
				"credential_id", cred.ID, "attempt", len(tried), "kind", ge.Kind)
			continue
		}

		// Terminal: BadRequest, ModelNotFound, ContentFiltered. Do not
		// call ReportSuccess or ReportFailure; return verbatim.
		return nil, cred.ID, ge
	}

	if lastErr == nil {
		lastErr = domain.ErrAllCredentialsExhaust
	}
	return nil, "", domain.NewError(domain.KindAllCredentialsExhaust, "attempts exhausted", lastErr)
}

// ExecuteStream runs the streaming attempt loop. Once the upstream has
// committed (headers plus at least one well-formed chunk observed), no
// further retry is permitted; a mid-stream error is forwarded as a
// terminal chunk on the returned channel instead of being retried.
func (d *Dispatcher) ExecuteStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, string, error) {
	deadline := d.now().Add(d.cfg.OverallDeadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)

	tried := make(map[string]bool)
	var lastErr error

	for len(tried) < d.cfg.MaxAttempts {
		if d.now().After(deadline) {
			cancel()
			return nil, "", domain.ErrDeadlineExceeded
		}

		cred, err := d.pool.Lease(tried)
		if err != nil {
			cancel()
			return nil, "", err
		}
		tried[cred.ID] = true

		secret, ok := d.pool.Secret(cred.ID)
		if !ok {
			continue
		}

		upstreamChunks, upstreamErrs := d.upstream.InvokeStream(ctx, req, secret)

		first, firstErr, committed := peekFirst(ctx, upstreamChunks, upstreamErrs)
		if !committed {
			if isCancellation(ctx, firstErr) {
				cancel()
				return nil, "", domain.ErrClientCancelled
			}

			// Rejected before any bytes: classify and retry as non-streaming.
			ge, ok := domain.AsGatewayError(firstErr)
			if !ok {
				ge = domain.NewError(domain.KindTransientUpstream, "unclassified upstream error", firstErr)
			}
			lastErr = ge
			if ge.Kind.Retryable() {
				d.pool.ReportFailure(cred.ID, ge.Kind)
				continue
			}
			cancel()
			return nil, cred.ID, ge
		}

		d.pool.ReportSuccess(cred.ID)
		out := make(chan domain.StreamChunk, 4)
		go forwardStream(cancel, out, first, upstreamChunks, upstreamErrs)
		return out, cred.ID, nil
	}

	cancel()
	if lastErr == nil {
		lastErr = domain.ErrAllCredentialsExhaust
	}
	return nil, "", domain.NewError(domain.KindAllCredentialsExhaust, "attempts exhausted", lastErr)
}

// peekFirst waits for either the first chunk or the first error from a
// freshly started stream, reporting whether the attempt committed
// (produced at least one well-formed chunk).
func peekFirst(ctx context.Context, chunks <-chan domain.StreamChunk, errs <-chan error) (domain.StreamChunk, error, bool) {
	select {
	case chunk, ok := <-chunks:
		if ok {
			return chunk, nil, true
		}
		// Channel closed with no chunk; check for a trailing error.
		select {
		case err := <-errs:
			return domain.StreamChunk{}, err, false
		default:
			return domain.StreamChunk{}, nil, false
		}
	case err := <-errs:
		return domain.StreamChunk{}, err, false
	case <-ctx.Done():
		return domain.StreamChunk{}, ctx.Err(), false
	}
}

// forwardStream relays the already-committed stream to out, closing it
// on exhaustion, upstream error (emitted as one final chunk carrying no
// content but a mid-stream failure the caller can detect via its Err field)
// or cancellation.
func forwardStream(cancel context.CancelFunc, out chan<- domain.StreamChunk, first domain.StreamChunk, chunks <-chan domain.StreamChunk, errs <-chan error) {
	defer cancel()
	defer close(out)

	out <- first
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			out <- chunk
		case err := <-errs:
			if err != nil {
				out <- domain.StreamChunk{Done: true, Err: err}
			}
			return
		}
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() == context.Canceled && !errors.Is(err, context.DeadlineExceeded)
}

func classifyContextErr(sleepErr, lastErr error) error {
	if errors.Is(sleepErr, context.DeadlineExceeded) {
		return domain.ErrDeadlineExceeded
	}
	if errors.Is(sleepErr, context.Canceled) {
		return domain.ErrClientCancelled
	}
	if lastErr != nil {
		return lastErr
	}
	return domain.ErrAllCredentialsExhaust
}
