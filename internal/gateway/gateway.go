// Package gateway routes tool calls from the reasoning loop to diagnostic
// providers, applying per-provider timeouts, retries, rate limits and a
// circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/mcp/client"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

var tracer = otel.Tracer("github.com/kubilitics/kubilitics-incident/internal/gateway")

// Config holds per-provider call policy.
type Config struct {
	CallTimeout     time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	RateLimit       float64
	RateBurst       int
	MaxOutputBytes  int
	CatalogTTL      time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     30 * time.Second,
		MaxAttempts:     3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
		RateLimit:       10,
		RateBurst:       20,
		MaxOutputBytes:  64 * 1024,
		CatalogTTL:      5 * time.Minute,
	}
}

// Invocation is one tool call routed through the gateway.
type Invocation struct {
	RunID          string
	Provider       string
	Tool           string
	Arguments      map[string]any
	IdempotencyKey string
}

// Gateway is the single path from the reasoning loop to providers.
type Gateway struct {
	cfg    Config
	logger *zap.Logger
	audit  audit.Logger

	mu        sync.RWMutex
	providers map[string]*provider
	order     []string
}

type provider struct {
	client  client.Client
	allowed map[string]bool
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration

	mu        sync.Mutex
	tools     []models.ToolSpec
	index     map[string]models.ToolSpec
	rejected  map[string]bool
	fetchedAt time.Time
}

// New creates a gateway with no providers.
func New(cfg Config, logger *zap.Logger, auditLog audit.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Gateway{
		cfg:       cfg,
		logger:    logger.Named("gateway"),
		audit:     auditLog,
		providers: make(map[string]*provider),
	}
}

// Register adds a provider. allowedTools, when non-empty, restricts the
// catalog to the named tools.
func (g *Gateway) Register(c client.Client, allowedTools []string) {
	name := c.Name()
	p := &provider{
		client:  c,
		allowed: make(map[string]bool, len(allowedTools)),
		timeout: g.cfg.CallTimeout,
	}
	for _, t := range allowedTools {
		p.allowed[t] = true
	}
	if g.cfg.RateLimit > 0 {
		burst := g.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(g.cfg.RateLimit), burst)
	} else {
		p.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     g.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(max(g.cfg.BreakerFailures, 1))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			g.logger.Warn("provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	g.mu.Lock()
	if _, exists := g.providers[name]; !exists {
		g.order = append(g.order, name)
	}
	g.providers[name] = p
	g.mu.Unlock()
}

// Providers returns registered provider names in registration order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// BreakerState reports a provider's circuit breaker state.
func (g *Gateway) BreakerState(name string) (gobreaker.State, bool) {
	p, ok := g.provider(name)
	if !ok {
		return gobreaker.StateClosed, false
	}
	return p.breaker.State(), true
}

func (g *Gateway) provider(name string) (*provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[name]
	return p, ok
}

// Invoke performs one tool call. Failures are returned as part of the
// result, never as an error, so the reasoning loop can observe them. The
// second return value is the number of attempts made.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (models.ToolResult, int) {
	ctx, span := tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("run_id", inv.RunID),
		attribute.String("provider", inv.Provider),
		attribute.String("tool", inv.Tool),
	))
	defer span.End()

	start := time.Now()
	res, attempts, err := g.invoke(ctx, inv)
	dur := time.Since(start)

	status := "success"
	if res.Error != nil {
		status = string(res.Error.Kind)
		span.SetStatus(codes.Error, res.Error.Message)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	metrics.ToolCalls.WithLabelValues(inv.Provider, inv.Tool, status).Inc()
	metrics.ToolDuration.WithLabelValues(inv.Provider).Observe(dur.Seconds())
	_ = g.audit.LogToolInvoked(ctx, inv.RunID, inv.Provider, inv.Tool, attempts, dur, err)

	g.logger.Info("tool invoked",
		zap.String("run_id", inv.RunID),
		zap.String("provider", inv.Provider),
		zap.String("tool", inv.Tool),
		zap.String("status", status),
		zap.Int("attempts", attempts),
		zap.Duration("duration", dur),
	)
	return res, attempts
}

func (g *Gateway) invoke(ctx context.Context, inv Invocation) (models.ToolResult, int, error) {
	p, ok := g.provider(inv.Provider)
	if !ok {
		err := fmt.Errorf("%w: %s", models.ErrUnknownProvider, inv.Provider)
		return failure(models.ToolErrRejected, err), 0, err
	}
	if err := p.check(ctx, g, inv.Tool); err != nil {
		if errors.Is(err, models.ErrUnknownTool) || errors.Is(err, models.ErrMutatingTool) {
			return failure(models.ToolErrRejected, err), 0, err
		}
		if errors.Is(err, models.ErrCircuitOpen) {
			return failure(models.ToolErrCircuitOpen, err), 0, err
		}
		return failure(models.ToolErrTransient, err), 0, err
	}
	args, err := NormalizeArguments(inv.Arguments)
	if err != nil {
		return failure(models.ToolErrInvalidArgs, err), 0, err
	}

	var (
		out      *client.ToolOutput
		attempts int
	)
	op := func() error {
		attempts++
		metrics.ToolAttempts.WithLabelValues(inv.Provider).Inc()
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		res, err := p.breaker.Execute(func() (interface{}, error) {
			return p.client.CallTool(attemptCtx, inv.Tool, args, inv.IdempotencyKey)
		})
		if err != nil {
			if !retryable(ctx, err) {
				return backoff.Permanent(err)
			}
			g.logger.Debug("tool attempt failed",
				zap.String("provider", inv.Provider),
				zap.String("tool", inv.Tool),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
		out = res.(*client.ToolOutput)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = g.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return classify(ctx, err), attempts, err
	}
	if out.IsError {
		msg := truncateOutput(out.Text(), g.cfg.MaxOutputBytes)
		err := fmt.Errorf("tool reported an error: %s", msg)
		return failure(models.ToolErrTool, errors.New(msg)), attempts, err
	}
	return models.ToolResult{Output: truncateOutput(out.Text(), g.cfg.MaxOutputBytes)}, attempts, nil
}

// retryable reports whether another attempt may succeed.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return countsAsFailure(err)
}

// countsAsFailure decides whether an error trips the breaker. Tool-level
// errors mean the provider is healthy.
func countsAsFailure(err error) bool {
	return client.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func classify(ctx context.Context, err error) models.ToolResult {
	var rpcErr *client.RPCError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return failure(models.ToolErrCircuitOpen, fmt.Errorf("%w: %v", models.ErrCircuitOpen, err))
	case ctx.Err() != nil:
		return failure(models.ToolErrCancelled, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return failure(models.ToolErrTimeout, err)
	case client.IsTransient(err):
		return failure(models.ToolErrTransient, err)
	case errors.As(err, &rpcErr) && rpcErr.Code == client.CodeInvalidParams:
		return failure(models.ToolErrInvalidArgs, err)
	default:
		return failure(models.ToolErrTool, err)
	}
}

func failure(kind models.ToolErrorKind, err error) models.ToolResult {
	return models.ToolResult{Error: &models.ToolError{Kind: kind, Message: err.Error()}}
}

func truncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n...[truncated %d bytes]", len(s)-limit)
}
