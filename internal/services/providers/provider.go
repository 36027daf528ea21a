// Package providers implements the text generation providers the load balancer
// dispatches to.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// GenerateOptions tunes a single generation call
type GenerateOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// JSONMode asks the provider for a JSON object response where supported
	JSONMode bool
}

// Provider generates text from a prompt
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// StatusError is returned when a provider answers with a non-200 HTTP status
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRateLimitError reports whether err looks like a provider rate limit or quota rejection
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if contextutils.IsError(err, contextutils.ErrAIRateLimited) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit")
}

// classifyStatus converts a non-200 provider status into an AppError
func classifyStatus(provider string, status int, body string) error {
	statusErr := &StatusError{Provider: provider, StatusCode: status, Body: body}
	if status == http.StatusTooManyRequests {
		return contextutils.WrapErrorf(contextutils.ErrAIRateLimited, "provider %s rate limited: %w", provider, statusErr)
	}
	return contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "provider %s request failed: %w", provider, statusErr)
}

// NewHTTPClient returns an instrumented HTTP client for provider calls
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
		),
	}
}

// New builds the provider described by cfg
func New(cfg config.ProviderConfig, logger *observability.Logger) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderKindOpenAIHTTP, "":
		if cfg.URL == "" {
			return nil, contextutils.WrapErrorf(contextutils.ErrAIConfigInvalid, "no base URL configured for provider '%s'", cfg.Code)
		}
		return NewHTTPProvider(cfg, NewHTTPClient(cfg), logger), nil
	case config.ProviderKindOpenAISDK:
		return NewSDKProvider(cfg, NewHTTPClient(cfg), logger), nil
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrAIConfigInvalid, "unknown provider kind '%s' for provider '%s'", cfg.Kind, cfg.Code)
	}
}

// NewAll builds every configured provider, failing on the first invalid one
func NewAll(cfgs []config.ProviderConfig, logger *observability.Logger) ([]Provider, error) {
	out := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := New(c, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Func adapts a function into a Provider
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Name returns the provider name
func (f *Func) Name() string { return f.ProviderName }

// Generate calls the wrapped function
func (f *Func) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f.Fn(ctx, prompt, opts)
}
