package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/pkg/circuitbreaker"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float32
	MaxTokens         int
	DefaultConfidence float64
	Timeout           time.Duration
}

// Client extracts entity mentions with an OpenAI chat completion. It makes
// exactly one call per Extract; retries are the caller's business.
type Client struct {
	client            *openai.Client
	model             string
	temperature       float32
	maxTokens         int
	defaultConfidence float64
	timeout           time.Duration
	cb                *circuitbreaker.CircuitBreaker
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.DefaultConfidence <= 0 || cfg.DefaultConfidence > 1 {
		cfg.DefaultConfidence = 0.6
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return false
			}
			var ext *capability.ExternalFailure
			if errors.As(err, &ext) {
				return ext.Retryable
			}
			return true
		},
		Logger: logger.GetLogger(),
	})

	logger.Info("LLM client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:            openai.NewClientWithConfig(oc),
		model:             cfg.Model,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		defaultConfidence: cfg.DefaultConfidence,
		timeout:           cfg.Timeout,
		cb:                cb,
	}
}

func (c *Client) Name() string {
	return "openai:" + c.model
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			},
		)
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion has no choices: %w", capability.ErrMalformedResponse)
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		result = &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) Extract(ctx context.Context, chunkText string) ([]capability.RawMention, error) {
	systemPrompt := `You are a legal document analyst. Extract named entity mentions from the given text.

Entity types:
- PERSON: natural persons
- ORG: companies, courts, agencies, other organizations
- LOCATION: countries, cities, addresses, jurisdictions
- DATE: calendar dates and date ranges

Copy each mention's text exactly as it appears. Report every occurrence separately.
Return JSON only, in this format:
{"mentions": [{"text": "Acme Corp", "type": "ORG", "start": 14, "end": 23, "confidence": 0.9}]}
start and end are character offsets into the text, end exclusive.`

	userPrompt := fmt.Sprintf("Text:\n%s", chunkText)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract mentions: %w", err)
	}

	mentions, err := parseMentions(resp.Content, chunkText, c.defaultConfidence)
	if err != nil {
		return nil, err
	}

	logger.Debug("Mentions extracted", zap.Int("count", len(mentions)))

	return mentions, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusFailure(apiErr.HTTPStatusCode, fmt.Sprint(apiErr.Code), apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusFailure(reqErr.HTTPStatusCode, "request_error", reqErr.Error())
	}
	return capability.Transient("unreachable", "%v", err)
}

func statusFailure(status int, code, message string) error {
	if code == "" || code == "<nil>" {
		code = fmt.Sprintf("http_%d", status)
	}
	retryable := status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 || status == 0
	return &capability.ExternalFailure{Code: code, Message: message, Retryable: retryable}
}
