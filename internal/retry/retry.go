package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/proxy"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

const (
	// maxBufferedBody caps how much of a request body is buffered for
	// replay across attempts. Requests with larger bodies are forwarded
	// once with the body streamed through.
	maxBufferedBody = 1 << 20

	// jitterFactor is the random share added to each backoff step so
	// concurrent retries do not synchronize.
	jitterFactor = 0.25
)

// Selector picks the instance for one attempt. The exclude set holds
// the IDs of instances already tried for this request; selection must
// skip them so every retry lands on a different instance.
type Selector func(exclude map[string]struct{}) (*registry.ServiceInstance, error)

// Reporter receives the outcome of one attempt against one instance.
// The dispatcher wires this to the instance's circuit breaker. A nil
// err is a success; the Reporter is only invoked with errors that are
// attributable to the instance.
type Reporter func(inst *registry.ServiceInstance, err error)

// Controller retries failed idempotent requests against different
// instances with exponential backoff. It is stateless across requests
// and safe for concurrent use.
type Controller struct {
	forwarder proxy.Forwarder
	defaults  *config.RetryConfig
	logger    observability.Logger
	metrics   *RetryMetrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Controller forwarding attempts through f. defaults is
// the gateway-level retry policy; routes may override it.
func New(f proxy.Forwarder, defaults *config.RetryConfig, opts ...Option) *Controller {
	c := &Controller{
		forwarder: f,
		defaults:  defaults,
		logger:    observability.NopLogger(),
		metrics:   GetRetryMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do dispatches the request, retrying by the route policy. sel picks
// an instance for each attempt and report feeds the breaker. On
// exhaustion the error of the last attempt is returned, never a
// selection error from a later attempt.
func (c *Controller) Do(
	ctx context.Context,
	route *config.Route,
	r *http.Request,
	path string,
	sel Selector,
	report Reporter,
) (*proxy.Response, error) {
	cfg := c.policyFor(route)

	maxAttempts := 1
	if cfg != nil && cfg.Enabled && route.IsIdempotent(r.Method) {
		maxAttempts = cfg.GetEffectiveMaxAttempts()
	}

	var body []byte
	if maxAttempts > 1 {
		buf, replayable, err := bufferBody(r)
		if err != nil {
			return nil, err
		}
		if !replayable {
			maxAttempts = 1
		}
		body = buf
	}

	inst, err := sel(nil)
	if err != nil {
		return nil, err
	}

	tried := make(map[string]struct{}, maxAttempts)

	var lastErr error
	for attempt := 1; ; attempt++ {
		c.metrics.RecordAttempt(route.Service, attempt)

		resp, err := c.attempt(ctx, route, inst, r, path, cfg)
		if err == nil {
			if report != nil {
				report(inst, nil)
			}
			c.metrics.RecordOutcome(route.Service, outcomeSuccess, attempt)
			if attempt > 1 {
				c.logger.Info("request succeeded after retry",
					observability.String("service", route.Service),
					observability.String("instance", inst.ID),
					observability.Int("attempt", attempt),
				)
			}
			return resp, nil
		}

		lastErr = err
		counted := util.IsRetryable(err)
		if counted && report != nil {
			report(inst, err)
		}

		if !counted {
			c.metrics.RecordOutcome(route.Service, outcomeAborted, attempt)
			return nil, lastErr
		}
		if attempt >= maxAttempts {
			if maxAttempts > 1 {
				c.logger.Warn("retries exhausted",
					observability.String("service", route.Service),
					observability.Int("attempts", attempt),
					observability.Error(lastErr),
				)
			}
			c.metrics.RecordOutcome(route.Service, outcomeExhausted, attempt)
			return nil, lastErr
		}

		tried[inst.ID] = struct{}{}

		// Pick the next instance before waiting so a fully gated or
		// exhausted candidate set stops the loop without burning the
		// remaining budget on a pointless backoff.
		next, selErr := sel(tried)
		if selErr != nil {
			c.logger.Warn("retry stopped, no further instance",
				observability.String("service", route.Service),
				observability.Int("attempts", attempt),
				observability.Error(selErr),
			)
			c.metrics.RecordOutcome(route.Service, outcomeExhausted, attempt)
			return nil, lastErr
		}

		wait := Backoff(attempt, cfg.GetEffectiveInitialBackoff(), cfg.GetEffectiveMaxBackoff(), cfg.GetEffectiveBackoffFactor())
		c.metrics.RecordBackoff(route.Service, wait)
		c.logger.Debug("retrying request",
			observability.String("service", route.Service),
			observability.String("instance", next.ID),
			observability.Int("attempt", attempt+1),
			observability.Int("max_attempts", maxAttempts),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.metrics.RecordOutcome(route.Service, outcomeExhausted, attempt)
			return nil, lastErr
		case <-timer.C:
		}

		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		inst = next
	}
}

// attempt runs one forward against one instance, holding the instance
// in-flight counter for the duration of the call. The per-try timeout,
// when configured, is layered under the shared request deadline so an
// attempt can never outlive the original budget.
func (c *Controller) attempt(
	ctx context.Context,
	route *config.Route,
	inst *registry.ServiceInstance,
	r *http.Request,
	path string,
	cfg *config.RetryConfig,
) (*proxy.Response, error) {
	inst.IncInflight()
	defer inst.DecInflight()

	perTry := time.Duration(0)
	if cfg != nil {
		perTry = cfg.PerTryTimeout.Duration()
	}
	if perTry <= 0 {
		return c.forwarder.Forward(ctx, route, inst, r, path)
	}

	tryCtx, cancel := context.WithTimeout(ctx, perTry)
	resp, err := c.forwarder.Forward(tryCtx, route, inst, r, path)
	if err != nil {
		cancel()
		return nil, err
	}

	// The response body may still be streaming from the upstream, so
	// the per-try context stays live until the caller closes it.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// policyFor resolves the effective retry policy: a route-level policy
// overrides the gateway default.
func (c *Controller) policyFor(route *config.Route) *config.RetryConfig {
	if route != nil && route.Retries != nil {
		return route.Retries
	}
	return c.defaults
}

// bufferBody reads the request body into memory so it can be replayed
// on later attempts. It reports replayable=false when the body exceeds
// maxBufferedBody; the consumed prefix is stitched back in front of
// the remaining stream so a single streamed attempt still works.
func bufferBody(r *http.Request) (buf []byte, replayable bool, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}

	buf, err = io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		_ = r.Body.Close()
		return nil, false, fmt.Errorf("buffer request body: %w", err)
	}

	if len(buf) > maxBufferedBody {
		r.Body = &stitchedBody{
			Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
			closer: r.Body,
		}
		return nil, false, nil
	}

	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, true, nil
}

// Backoff returns the wait before the attempt following the given one.
// Growth is exponential in the attempt number with a random jitter
// share added, capped at max.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))

	//nolint:gosec // G404: jitter timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

// cancelBody releases the per-try context when the response body is
// closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// stitchedBody re-joins a partially buffered body with its unread
// remainder while keeping the original stream's Close.
type stitchedBody struct {
	io.Reader
	closer io.Closer
}

func (b *stitchedBody) Close() error {
	return b.closer.Close()
}
