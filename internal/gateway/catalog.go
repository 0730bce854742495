package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/mcp/client"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Catalog returns the read-only tools offered by the named providers, or by
// every provider when names is empty. Providers that cannot be listed are
// skipped; a stale cached listing is used when one exists.
func (g *Gateway) Catalog(ctx context.Context, names []string) []models.ToolSpec {
	if len(names) == 0 {
		names = g.Providers()
	}
	var out []models.ToolSpec
	for _, name := range names {
		p, ok := g.provider(name)
		if !ok {
			g.logger.Warn("catalog requested for unknown provider", zap.String("provider", name))
			continue
		}
		tools, err := p.catalog(ctx, g, false)
		if err != nil {
			g.logger.Warn("tool discovery failed",
				zap.String("provider", name),
				zap.Error(err),
			)
		}
		out = append(out, tools...)
	}
	return out
}

// Refresh forces catalog discovery for every provider.
func (g *Gateway) Refresh(ctx context.Context) error {
	var firstErr error
	for _, name := range g.Providers() {
		p, _ := g.provider(name)
		if _, err := p.catalog(ctx, g, true); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	return firstErr
}

// catalog returns the cached tool list, refreshing it when it is older than
// the configured TTL.
func (p *provider) catalog(ctx context.Context, g *Gateway, force bool) ([]models.ToolSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := !p.fetchedAt.IsZero() && (g.cfg.CatalogTTL <= 0 || time.Since(p.fetchedAt) < g.cfg.CatalogTTL)
	if fresh && !force {
		return p.tools, nil
	}

	// Discovery shares the call breaker: an open circuit serves the stale
	// listing without contacting the provider.
	res, err := p.breaker.Execute(func() (interface{}, error) {
		listCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.client.ListTools(listCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %v", models.ErrCircuitOpen, p.client.Name(), err)
		}
		return p.tools, err
	}
	listed := res.([]client.Tool)

	name := p.client.Name()
	tools := make([]models.ToolSpec, 0, len(listed))
	index := make(map[string]models.ToolSpec, len(listed))
	rejected := make(map[string]bool)
	for _, t := range listed {
		if len(p.allowed) > 0 && !p.allowed[t.Name] {
			continue
		}
		if t.Mutating() {
			rejected[t.Name] = true
			g.logger.Warn("rejecting mutating tool",
				zap.String("provider", name),
				zap.String("tool", t.Name),
			)
			_ = g.audit.Log(ctx, audit.NewEvent(audit.EventToolRejected).
				WithResource(name+"/"+t.Name, "tool").
				WithAction("discover").
				WithDescription("catalog entry flagged as mutating").
				WithResult(audit.ResultDenied))
			continue
		}
		spec := models.ToolSpec{
			Provider:    name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		tools = append(tools, spec)
		index[t.Name] = spec
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	p.tools = tools
	p.index = index
	p.rejected = rejected
	p.fetchedAt = time.Now()
	metrics.CatalogTools.WithLabelValues(name).Set(float64(len(tools)))
	return tools, nil
}

// check refuses calls to tools that are not in the read-only catalog.
func (p *provider) check(ctx context.Context, g *Gateway, tool string) error {
	if _, err := p.catalog(ctx, g, false); err != nil {
		p.mu.Lock()
		empty := p.index == nil
		p.mu.Unlock()
		if empty {
			return fmt.Errorf("catalog unavailable: %w", err)
		}
		g.logger.Debug("serving stale catalog",
			zap.String("provider", p.client.Name()),
			zap.Error(err),
		)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejected[tool] {
		return fmt.Errorf("%w: %s/%s", models.ErrMutatingTool, p.client.Name(), tool)
	}
	if _, ok := p.index[tool]; !ok {
		return fmt.Errorf("%w: %s/%s", models.ErrUnknownTool, p.client.Name(), tool)
	}
	return nil
}
