// Package retry applies bounded exponential backoff and optional rate
// limiting to provider calls. Embedder and Generator wrap the core
// capabilities so every caller gets the same policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/chatrag/core"
)

// Policy bounds retries of a single logical call.
type Policy struct {
	// MaxAttempts includes the first try.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
}

// DefaultPolicy makes three attempts, half a second apart at first.
var DefaultPolicy = &Policy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2,
}

// NewLimiter returns a token bucket allowing perSecond calls with the given
// burst. A non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Run calls op until it succeeds, fails permanently, or the policy runs out
// of attempts. It returns the number of attempts made.
func Run[T any](ctx context.Context, p *Policy, name string, op func(context.Context) (T, error)) (T, int, error) {
	if p == nil {
		p = DefaultPolicy
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	attempts := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		v, err := op(ctx)
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, bo, func(err error, next time.Duration) {
		log.Printf("[RETRY] %s attempt %d/%d failed (%s), retrying in %s: %v",
			name, attempts, maxAttempts, Classify(err), next.Round(time.Millisecond), err)
	})
	return result, attempts, err
}

// Retryable reports whether another attempt could succeed. Validation,
// malformed responses and cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMalformedResponse),
		errors.Is(err, core.ErrDimensionMismatch):
		return false
	}
	return true
}

// Classify names the kind of failure for logs.
func Classify(err error) string {
	if err == nil {
		return "none"
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, core.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, core.ErrMalformedResponse):
		return "malformed_response"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"),
		strings.Contains(msg, "throttl"), strings.Contains(msg, "429"):
		return "rate_limit"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "access denied"):
		return "permission_denied"
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "eof"):
		return "network_error"
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "500"), strings.Contains(msg, "503"):
		return "server_error"
	default:
		return "unknown"
	}
}

// Embedder retries a core.Embedder. Failures surface as
// core.ErrEmbeddingUnavailable wrapping the last cause.
type Embedder struct {
	next   core.Embedder
	policy *Policy
}

// WrapEmbedder decorates next with p.
func WrapEmbedder(next core.Embedder, p *Policy) *Embedder {
	return &Embedder{next: next, policy: p}
}

// Embed calls the wrapped embedder under the policy.
func (e *Embedder) Embed(ctx context.Context, text string) (core.Vector, error) {
	v, attempts, err := Run(ctx, e.policy, "embed", func(ctx context.Context) (core.Vector, error) {
		return e.next.Embed(ctx, text)
	})
	if err != nil {
		return core.Vector{}, unavailable(ctx, core.ErrEmbeddingUnavailable, attempts, err)
	}
	return v, nil
}

// Dimensions delegates to the wrapped embedder.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// ModelVersion reports the wrapped embedder's version, or "" when it does
// not expose one.
func (e *Embedder) ModelVersion() string {
	if v, ok := e.next.(core.ModelVersioner); ok {
		return v.ModelVersion()
	}
	return ""
}

// Generator retries a core.Generator. Failures surface as
// core.ErrGenerationUnavailable wrapping the last cause.
type Generator struct {
	next   core.Generator
	policy *Policy
}

// WrapGenerator decorates next with p.
func WrapGenerator(next core.Generator, p *Policy) *Generator {
	return &Generator{next: next, policy: p}
}

// Generate calls the wrapped generator under the policy.
func (g *Generator) Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error) {
	out, attempts, err := Run(ctx, g.policy, "generate", func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, prompt, maxOutputTokens)
	})
	if err != nil {
		return "", unavailable(ctx, core.ErrGenerationUnavailable, attempts, err)
	}
	return out, nil
}

// unavailable wraps err with sentinel, except when the caller gave up:
// then the context error is returned as is.
func unavailable(ctx context.Context, sentinel error, attempts int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	plural := "s"
	if attempts == 1 {
		plural = ""
	}
	return fmt.Errorf("%w after %d attempt%s: %w", sentinel, attempts, plural, err)
}
