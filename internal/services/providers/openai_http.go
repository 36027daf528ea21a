package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// chatRequest is the body of an OpenAI-compatible /chat/completions call
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// HTTPProvider talks to any OpenAI-compatible endpoint over plain HTTP
type HTTPProvider struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	logger     *observability.Logger
}

// NewHTTPProvider creates a provider for the endpoint at cfg.URL
func NewHTTPProvider(cfg config.ProviderConfig, httpClient *http.Client, logger *observability.Logger) *HTTPProvider {
	return &HTTPProvider{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Name returns the configured provider name
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Generate sends prompt as a single user message and returns the first choice's content
func (p *HTTPProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (result string, err error) {
	ctx, span := observability.TraceLoadBalancerFunction(ctx, "http_provider_generate",
		observability.AttributeProvider(p.cfg.Name),
		attribute.String("ai.model", p.cfg.Model),
		attribute.Int("prompt.length", len(prompt)),
	)
	defer observability.FinishSpan(span, &err)

	if prompt == "" {
		return "", contextutils.WrapError(contextutils.ErrAIConfigInvalid, "prompt cannot be empty")
	}

	messages := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: firstNonZero(opts.Temperature, p.cfg.Temperature, 0.7),
		MaxTokens:   int(firstNonZero(float64(opts.MaxTokens), float64(p.cfg.MaxTokens))),
	}
	if opts.JSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", contextutils.WrapErrorf(err, "failed to marshal request body")
	}

	url := strings.TrimRight(p.cfg.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", contextutils.WrapErrorf(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lessongen/1.0")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	startTime := time.Now()
	resp, err := p.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		span.SetAttributes(attribute.String("call.result", "http_request_failed"))
		return "", contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "HTTP request to %s failed after %v: %v", p.cfg.Name, duration, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "failed to read response body: %v", err)
	}

	p.logger.Debug(ctx, "Provider HTTP request completed", map[string]interface{}{
		"provider":    p.cfg.Name,
		"duration":    duration.String(),
		"status_code": resp.StatusCode,
	})

	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.String("call.result", "http_error"), attribute.Int("status_code", resp.StatusCode))
		return "", classifyStatus(p.cfg.Name, resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrAIResponseInvalid, "failed to parse provider response as JSON: %v", err)
	}
	if chatResp.Error != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "provider %s API error: %s", p.cfg.Name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", contextutils.WrapErrorf(contextutils.ErrAIResponseInvalid, "provider %s returned empty content", p.cfg.Name)
	}

	content := chatResp.Choices[0].Message.Content
	span.SetAttributes(attribute.String("call.result", "success"), attribute.Int("content_length", len(content)))
	return content, nil
}

func firstNonZero(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
