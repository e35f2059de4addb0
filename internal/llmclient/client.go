// Package llmclient implements the LLM Client contract: structured text
// and JSON generation against an Anthropic- or OpenAI-shaped HTTP
// endpoint, behind a single typed error taxonomy and a process-scope
// rate limiter. There is no package-level client singleton — callers
// construct one at startup with New and pass it down explicitly.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TextResult is the return value of GenerateText.
type TextResult struct {
	Content string
	Usage   Usage
}

// Client is the process-scope LLM Client. It is safe for concurrent use;
// multiple agents may hold the same *Client and call it concurrently.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
	limiter    *rate.Limiter
	apiType    string // "anthropic" or "openai"
	logger     *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithRetry(maxRetries int) Option {
	return func(c *Client) { c.maxRetries = maxRetries }
}

func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		transport := c.httpClient.Transport
		c.httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
}

// WithRateLimit configures the leaky-bucket limiter the worker SHOULD
// apply per provider (spec.md §5) to avoid provider-side throttling.
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

func WithAPIConfig(baseURL, model string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
		if model != "" {
			c.model = model
		}
		if strings.Contains(baseURL, "openai") {
			c.apiType = "openai"
		} else {
			c.apiType = "anthropic"
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a Client with a pooled HTTP transport, ready to accept
// Options. Defaults point at Anthropic; WithAPIConfig overrides both the
// endpoint and the wire format it speaks.
func New(apiKey string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		model:      "claude-3-5-sonnet-20241022",
		httpClient: &http.Client{Timeout: 120 * time.Second, Transport: transport},
		maxRetries: 4,
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		apiType:    "anthropic",
		logger:     slog.Default().With("component", "llm_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug("llm client initialized",
		"api_type", c.apiType,
		"base_url", c.baseURL,
		"model", c.model,
		"max_retries", c.maxRetries)

	return c
}

// GenerateText implements the LLM Client contract's text generation
// call. context_tag is used only for logging and retry-reason
// attribution; it carries no semantics to the provider.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, contextTag string) (TextResult, error) {
	return c.call(ctx, systemPrompt, userPrompt, maxTokens, temperature, false, contextTag)
}

// GenerateJSON implements the LLM Client contract's JSON generation
// call. target must be a pointer; on success the provider's response is
// unmarshaled into it. A response that fails to unmarshal is classified
// as a SchemaError and retried once with a repair hint appended to the
// prompt before surfacing.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, target any, contextTag string) (Usage, error) {
	result, err := c.call(ctx, systemPrompt, userPrompt, 4096, 0.7, true, contextTag)
	if err != nil {
		return Usage{}, err
	}

	if jsonErr := json.Unmarshal([]byte(result.Content), target); jsonErr != nil {
		c.logger.Warn("schema mismatch, retrying with repair hint", "context_tag", contextTag, "error", jsonErr)
		repairPrompt := userPrompt + "\n\nYour previous response failed to parse as JSON: " + jsonErr.Error() + "\nReturn only a single valid JSON object matching the requested shape."
		result, err = c.call(ctx, systemPrompt, repairPrompt, 4096, 0.7, true, contextTag)
		if err != nil {
			return Usage{}, &SchemaError{Cause: jsonErr, RepairedOnce: true}
		}
		if jsonErr2 := json.Unmarshal([]byte(result.Content), target); jsonErr2 != nil {
			return Usage{}, &SchemaError{Cause: jsonErr2, RepairedOnce: true}
		}
	}

	return result.Usage, nil
}

func (c *Client) call(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, forceJSON bool, contextTag string) (TextResult, error) {
	requestID := fmt.Sprintf("%s_%d", contextTag, time.Now().UnixNano())
	startTime := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return TextResult{}, &TransientError{Cause: fmt.Errorf("rate limit wait: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return TextResult{}, ctx.Err()
			}
		}

		attemptStart := time.Now()
		result, err := c.doRequest(ctx, systemPrompt, userPrompt, maxTokens, temperature, forceJSON)
		c.logger.Debug("llm request attempt",
			"request_id", requestID,
			"context_tag", contextTag,
			"attempt", attempt,
			"duration_ms", time.Since(attemptStart).Milliseconds())

		if err == nil {
			c.logger.Info("llm request succeeded",
				"request_id", requestID,
				"context_tag", contextTag,
				"attempt", attempt,
				"total_duration_ms", time.Since(startTime).Milliseconds())
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return TextResult{}, err
		}
		c.logger.Warn("llm request failed, retrying", "request_id", requestID, "context_tag", contextTag, "attempt", attempt, "error", err)
	}

	return TextResult{}, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, forceJSON bool) (TextResult, error) {
	if c.apiType == "openai" {
		return c.doOpenAIRequest(ctx, systemPrompt, userPrompt, maxTokens, temperature, forceJSON)
	}
	return c.doAnthropicRequest(ctx, systemPrompt, userPrompt, maxTokens, temperature, forceJSON)
}

func (c *Client) doOpenAIRequest(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, forceJSON bool) (TextResult, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if forceJSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	respBody, statusCode, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return TextResult{}, err
	}
	if classified := classifyHTTPStatus(statusCode, respBody); classified != nil {
		return TextResult{}, classified
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return TextResult{}, &TransientError{Cause: fmt.Errorf("parsing openai response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return TextResult{}, &TransientError{Cause: fmt.Errorf("no choices in openai response")}
	}

	return TextResult{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) doAnthropicRequest(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, forceJSON bool) (TextResult, error) {
	finalSystem := systemPrompt
	if forceJSON {
		finalSystem = strings.TrimSpace(finalSystem + "\n\nRespond with valid JSON only. No markdown, no explanations, no text outside the JSON object.")
	}

	body := map[string]any{
		"model":       c.model,
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"messages":    []map[string]string{{"role": "user", "content": userPrompt}},
	}
	if finalSystem != "" {
		body["system"] = finalSystem
	}

	respBody, statusCode, err := c.post(ctx, "/messages", body)
	if err != nil {
		return TextResult{}, err
	}
	if classified := classifyHTTPStatus(statusCode, respBody); classified != nil {
		return TextResult{}, classified
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return TextResult{}, &TransientError{Cause: fmt.Errorf("parsing anthropic response: %w", err)}
	}
	if len(parsed.Content) == 0 {
		return TextResult{}, &TransientError{Cause: fmt.Errorf("no content in anthropic response")}
	}

	return TextResult{
		Content: parsed.Content[0].Text,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) ([]byte, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, &FatalError{Cause: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, &FatalError{Cause: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiType == "openai" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &TransientError{Cause: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransientError{Cause: fmt.Errorf("reading response: %w", err)}
	}

	return respBody, resp.StatusCode, nil
}

// classifyHTTPStatus maps a non-2xx response onto the three-way error
// taxonomy: 429/5xx are transient, everything else is fatal.
func classifyHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	cause := fmt.Errorf("provider status %d: %s", statusCode, truncate(string(body), 500))
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return &TransientError{Cause: cause}
	}
	return &FatalError{Cause: cause, StatusCode: statusCode}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
