package services

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services/providers"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ConnectionTestPrompt is the lightweight prompt used by connectivity checks
const ConnectionTestPrompt = "Respond with exactly the word 'SUCCESS' and nothing else."

// BalancedProvider is a provider together with its load balancing descriptor
type BalancedProvider struct {
	Provider   providers.Provider
	Descriptor models.ProviderDescriptor
}

// DescriptorFromConfig builds the load balancing descriptor of a configured provider
func DescriptorFromConfig(p config.ProviderConfig) models.ProviderDescriptor {
	return models.ProviderDescriptor{
		Name:          p.Name,
		Priority:      p.Priority,
		Weight:        p.Weight,
		MaxConcurrent: p.MaxConcurrent,
		Reliability:   p.Reliability,
	}
}

// LoadBalancerOptions are per-call generation options
type LoadBalancerOptions struct {
	providers.GenerateOptions
	// Strategy overrides the configured strategy for this call
	Strategy Strategy
}

// AttemptRecord describes one provider attempt of a call
type AttemptRecord struct {
	Provider    string        `json:"provider"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	RateLimited bool          `json:"rateLimited,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// LoadBalancerDiagnostics explains how a call was routed
type LoadBalancerDiagnostics struct {
	Strategy string          `json:"strategy"`
	Attempts []AttemptRecord `json:"attempts"`
}

// ProviderResult is the outcome of a load balanced generation call
type ProviderResult struct {
	Success     bool                    `json:"success"`
	Data        string                  `json:"data,omitempty"`
	JSON        json.RawMessage         `json:"json,omitempty"`
	Provider    string                  `json:"provider,omitempty"`
	Diagnostics LoadBalancerDiagnostics `json:"loadBalancer"`
}

// LoadBalancerInterface is what the orchestrator needs from the load balancer
type LoadBalancerInterface interface {
	GenerateContent(ctx context.Context, prompt string, opts LoadBalancerOptions) (*ProviderResult, error)
	GenerateJSONContent(ctx context.Context, prompt string, opts LoadBalancerOptions) (*ProviderResult, error)
	TestAllConnections(ctx context.Context) models.ConnectionReport
	Stats() []models.ProviderStatus
}

// providerState is the runtime state tracked per provider. Guarded by ProviderLoadBalancer.mu.
type providerState struct {
	provider providers.Provider
	desc     models.ProviderDescriptor
	load     int
	failures int
	lastUsed time.Time
}

// ProviderLoadBalancer routes generation calls across providers with retries and circuit breaking
type ProviderLoadBalancer struct {
	cfg      config.LoadBalancerConfig
	strategy Strategy
	logger   *observability.Logger
	metrics  *observability.Metrics
	clock    contextutils.Clock
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	providers  []*providerState
	strategies map[Strategy]SelectionStrategy

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewProviderLoadBalancer creates a load balancer over entries
func NewProviderLoadBalancer(cfg config.LoadBalancerConfig, entries []BalancedProvider, logger *observability.Logger, metrics *observability.Metrics) (*ProviderLoadBalancer, error) {
	if len(entries) == 0 {
		return nil, contextutils.WrapError(contextutils.ErrAIConfigInvalid, "at least one provider must be configured")
	}
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if strategy == StrategyDefault {
		strategy = StrategyReliabilityWeighted
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	lb := &ProviderLoadBalancer{
		cfg:        cfg,
		strategy:   strategy,
		logger:     logger.Component("load_balancer"),
		metrics:    metrics,
		clock:      contextutils.SystemClock{},
		sleep:      sleepContext,
		strategies: make(map[Strategy]SelectionStrategy),
		stopCh:     make(chan struct{}),
	}
	for s := StrategyRoundRobin; s <= StrategyReliabilityWeighted; s++ {
		lb.strategies[s] = newSelectionStrategy(s, rnd)
	}
	for _, e := range entries {
		desc := e.Descriptor
		if desc.Name == "" {
			desc.Name = e.Provider.Name()
		}
		lb.providers = append(lb.providers, &providerState{provider: e.Provider, desc: desc})
	}
	return lb, nil
}

// Start launches the periodic failure counter reset
func (lb *ProviderLoadBalancer) Start() {
	interval := lb.cfg.FailureResetInterval
	if interval <= 0 {
		interval = config.ProviderFailureResetInterval
	}
	lb.wg.Add(1)
	go func() {
		defer lb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lb.ResetFailures()
			case <-lb.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the background reset loop
func (lb *ProviderLoadBalancer) Shutdown(ctx context.Context) error {
	lb.stopOnce.Do(func() { close(lb.stopCh) })
	done := make(chan struct{})
	go func() {
		lb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetFailures zeroes every provider's failure counter
func (lb *ProviderLoadBalancer) ResetFailures() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for _, p := range lb.providers {
		p.failures = 0
	}
}

// GenerateContent returns the raw text of the first provider that succeeds
func (lb *ProviderLoadBalancer) GenerateContent(ctx context.Context, prompt string, opts LoadBalancerOptions) (*ProviderResult, error) {
	return lb.generate(ctx, prompt, opts, false)
}

// GenerateJSONContent is GenerateContent but also requires the text to contain valid JSON.
// Unparseable output counts as a provider failure.
func (lb *ProviderLoadBalancer) GenerateJSONContent(ctx context.Context, prompt string, opts LoadBalancerOptions) (*ProviderResult, error) {
	opts.JSONMode = true
	return lb.generate(ctx, prompt, opts, true)
}

func (lb *ProviderLoadBalancer) generate(ctx context.Context, prompt string, opts LoadBalancerOptions, wantJSON bool) (result *ProviderResult, err error) {
	strategy := opts.Strategy
	if strategy == StrategyDefault {
		strategy = lb.strategy
	}
	ctx, span := observability.TraceLoadBalancerFunction(ctx, "generate",
		observability.AttributeStrategy(strategy),
		attribute.Bool("json", wantJSON),
	)
	defer observability.FinishSpan(span, &err)

	maxAttempts := lb.cfg.MaxProviderRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result = &ProviderResult{Diagnostics: LoadBalancerDiagnostics{Strategy: strategy.String()}}
	attempted := make(map[*providerState]bool)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, contextutils.WrapErrorf(contextutils.ErrTimeout, "generation cancelled after %d attempts: %v", attempt, err)
		}

		p := lb.acquire(strategy, attempted)
		attempted[p] = true

		started := time.Now()
		text, callErr := p.provider.Generate(ctx, prompt, opts.GenerateOptions)
		var raw json.RawMessage
		if callErr == nil && wantJSON {
			raw, callErr = ExtractJSON(text)
		}
		lb.release(p, callErr == nil)
		lb.metrics.RecordProviderAttempt(ctx, p.desc.Name, callErr == nil)

		record := AttemptRecord{Provider: p.desc.Name, Success: callErr == nil, Duration: time.Since(started)}
		if callErr == nil {
			result.Diagnostics.Attempts = append(result.Diagnostics.Attempts, record)
			result.Success = true
			result.Data = text
			result.JSON = raw
			result.Provider = p.desc.Name
			span.SetAttributes(observability.AttributeProvider(p.desc.Name), attribute.Int("attempts", attempt+1))
			return result, nil
		}

		record.Error = callErr.Error()
		record.RateLimited = providers.IsRateLimitError(callErr)
		result.Diagnostics.Attempts = append(result.Diagnostics.Attempts, record)
		lastErr = callErr

		lb.logger.Warn(ctx, "Provider attempt failed", map[string]interface{}{
			"provider":     p.desc.Name,
			"attempt":      attempt + 1,
			"max_attempts": maxAttempts,
			"rate_limited": record.RateLimited,
			"error":        callErr.Error(),
		})

		if record.RateLimited && attempt+1 < maxAttempts {
			if err := lb.sleep(ctx, lb.backoff(attempt)); err != nil {
				return result, contextutils.WrapErrorf(contextutils.ErrTimeout, "generation cancelled during backoff: %v", err)
			}
		}
	}

	names := make([]string, 0, len(result.Diagnostics.Attempts))
	for _, a := range result.Diagnostics.Attempts {
		names = append(names, a.Provider)
	}
	return result, contextutils.WrapErrorf(contextutils.ErrAllProvidersFailed,
		"all %d attempts failed (tried %s): %v", len(names), strings.Join(names, ", "), lastErr)
}

// acquire picks a provider and charges one unit of load to it
func (lb *ProviderLoadBalancer) acquire(strategy Strategy, attempted map[*providerState]bool) *providerState {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	threshold := lb.cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = config.DefaultCircuitBreakerThreshold
	}

	available := make([]*providerState, 0, len(lb.providers))
	for _, p := range lb.providers {
		if p.failures >= threshold {
			continue
		}
		if p.desc.MaxConcurrent > 0 && p.load >= p.desc.MaxConcurrent {
			continue
		}
		available = append(available, p)
	}

	var chosen *providerState
	if len(available) == 0 {
		// degrade to the first provider instead of refusing work
		for _, p := range lb.providers {
			p.failures = 0
		}
		chosen = lb.providers[0]
	} else {
		fresh := make([]*providerState, 0, len(available))
		for _, p := range available {
			if !attempted[p] {
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			fresh = available
		}
		chosen = lb.strategies[strategy].Select(fresh)
	}

	chosen.load++
	chosen.lastUsed = lb.clock.Now()
	return chosen
}

// release returns the load charged by acquire and records the outcome
func (lb *ProviderLoadBalancer) release(p *providerState, success bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if p.load > 0 {
		p.load--
	}
	if success {
		p.failures = 0
	} else {
		p.failures++
	}
}

func (lb *ProviderLoadBalancer) backoff(attempt int) time.Duration {
	base := lb.cfg.BackoffBase
	if base <= 0 {
		base = config.RateLimitBackoffBase
	}
	ceiling := lb.cfg.BackoffMax
	if ceiling <= 0 {
		ceiling = config.RateLimitBackoffMax
	}
	d := base << uint(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// TestAllConnections probes every provider concurrently
func (lb *ProviderLoadBalancer) TestAllConnections(ctx context.Context) models.ConnectionReport {
	ctx, span := observability.TraceLoadBalancerFunction(ctx, "test_all_connections")
	defer span.End()

	lb.mu.Lock()
	targets := make([]*providerState, len(lb.providers))
	copy(targets, lb.providers)
	lb.mu.Unlock()

	results := make([]models.ConnectionResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range targets {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, config.ConnectionTestTimeout)
			defer cancel()

			started := time.Now()
			text, err := p.provider.Generate(callCtx, ConnectionTestPrompt, providers.GenerateOptions{MaxTokens: 10})
			res := models.ConnectionResult{Provider: p.desc.Name, LatencyMS: time.Since(started).Milliseconds()}
			switch {
			case err != nil:
				res.Error = err.Error()
			case strings.TrimSpace(text) == "":
				res.Error = "empty response"
			default:
				res.Connected = true
			}
			results[i] = res
			// probes never fail the group so one dead provider does not cancel the rest
			return nil
		})
	}
	_ = g.Wait()

	report := models.ConnectionReport{Total: len(results), Results: results}
	for _, r := range results {
		if r.Connected {
			report.Connected++
		}
	}
	span.SetAttributes(attribute.Int("connected", report.Connected), attribute.Int("total", report.Total))
	lb.logger.Info(ctx, "Provider connectivity test completed", map[string]interface{}{
		"connected": report.Connected,
		"total":     report.Total,
	})
	return report
}

// Stats returns a snapshot of every provider's runtime state
func (lb *ProviderLoadBalancer) Stats() []models.ProviderStatus {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	threshold := lb.cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = config.DefaultCircuitBreakerThreshold
	}
	out := make([]models.ProviderStatus, 0, len(lb.providers))
	for _, p := range lb.providers {
		out = append(out, models.ProviderStatus{
			ProviderDescriptor: p.desc,
			CurrentLoad:        p.load,
			FailureCount:       p.failures,
			LastUsed:           p.lastUsed,
			Available:          p.failures < threshold && (p.desc.MaxConcurrent <= 0 || p.load < p.desc.MaxConcurrent),
		})
	}
	return out
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
