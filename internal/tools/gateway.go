package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/tools")

// ErrUnknownTool is returned when the requested tool is not registered. The
// session loop treats it as recoverable and feeds it back to the model.
var ErrUnknownTool = errors.New("unknown tool")

// RetryPolicy bounds the gateway's retries for transient failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy covers a short backend blip without stretching a
// session past its deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// InvokeHook receives per-invocation measurements (wired to Prometheus by main).
type InvokeHook func(name string, class Class, duration float64, attempts int, inputBytes, outputBytes int, err error)

// Gateway is the single choke point for every external call. It owns the
// retry/backoff policy: Unavailable and RateLimited failures are retried up
// to the attempt cap, Unauthorized and InvalidParameters escalate immediately.
type Gateway struct {
	registry *Registry
	policy   RetryPolicy
	logger   log.Logger
	hook     InvokeHook
}

// NewGateway creates a gateway over the given registry. A nil hook is allowed.
func NewGateway(registry *Registry, policy RetryPolicy, logger log.Logger, hook InvokeHook) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	return &Gateway{
		registry: registry,
		policy:   policy,
		logger:   logger,
		hook:     hook,
	}
}

// Registry exposes the underlying tool registry for tool-def export.
func (g *Gateway) Registry() *Registry { return g.registry }

// Invoke executes the named tool, retrying transient failures with
// exponential backoff. Non-retryable ToolErrors and exhausted retries are
// returned to the caller as the final classified error.
func (g *Gateway) Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	t, ok := g.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", name),
		attribute.String("inquest.tool.class", string(t.Class())),
	))
	defer span.End()

	start := time.Now()
	attempts := 0

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.policy.InitialInterval
	expo.MaxInterval = g.policy.MaxInterval

	out, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempts++
		res, execErr := t.Execute(ctx, params)
		if execErr == nil {
			return res, nil
		}

		if te, isTool := AsToolError(execErr); isTool && te.Retryable() {
			g.logger.Warn(ctx, "tool call failed, will retry",
				"tool", name,
				"kind", string(te.Kind),
				"attempt", attempts,
				"max_attempts", g.policy.MaxAttempts,
				"retry_after", te.RetryAfter,
			)
			if te.RetryAfter > 0 {
				// The backend named its own wait; it overrides the
				// exponential interval.
				return nil, errors.Join(execErr, &backoff.RetryAfterError{Duration: te.RetryAfter})
			}
			return nil, execErr
		}

		// Unauthorized, InvalidParameters, and unclassified tool-level
		// errors never retry.
		return nil, backoff.Permanent(execErr)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(g.policy.MaxAttempts))

	dur := time.Since(start).Seconds()

	span.SetAttributes(attribute.Int("inquest.tool.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if g.hook != nil {
		g.hook(name, t.Class(), dur, attempts, len(params), len(out), err)
	}

	return out, err
}
