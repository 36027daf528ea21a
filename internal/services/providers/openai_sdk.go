package providers

import (
	"context"
	"errors"
	"net/http"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// SDKProvider calls OpenAI (or a compatible base URL) through the go-openai client
type SDKProvider struct {
	cfg    config.ProviderConfig
	client *openai.Client
	logger *observability.Logger
}

// NewSDKProvider creates a go-openai backed provider
func NewSDKProvider(cfg config.ProviderConfig, httpClient *http.Client, logger *observability.Logger) *SDKProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		clientCfg.BaseURL = cfg.URL
	}
	clientCfg.HTTPClient = httpClient
	return &SDKProvider{cfg: cfg, client: openai.NewClientWithConfig(clientCfg), logger: logger}
}

// Name returns the configured provider name
func (p *SDKProvider) Name() string { return p.cfg.Name }

// Generate runs a chat completion and returns the first choice's content
func (p *SDKProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (result string, err error) {
	ctx, span := observability.TraceLoadBalancerFunction(ctx, "sdk_provider_generate",
		observability.AttributeProvider(p.cfg.Name),
		attribute.String("ai.model", p.cfg.Model),
	)
	defer observability.FinishSpan(span, &err)

	model := p.cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	messages := []openai.ChatCompletionMessage{}
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   int(firstNonZero(float64(opts.MaxTokens), float64(p.cfg.MaxTokens))),
		Temperature: float32(firstNonZero(opts.Temperature, p.cfg.Temperature, 0.7)),
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", contextutils.WrapErrorf(contextutils.ErrAIResponseInvalid, "provider %s returned empty content", p.cfg.Name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *SDKProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(p.cfg.Name, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(p.cfg.Name, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "provider %s request failed: %v", p.cfg.Name, err)
}
