package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/ratecontrol"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

// Config holds reasoning-service client settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Provider      string
	Timeout       time.Duration
	MaxTokens     int
	Temperature   float64
	MaxConcurrent int
	RetryBackoff  time.Duration
}

// Client is a stateless bridge to an OpenAI-compatible chat completions API.
// Transient failures are retried once with backoff; a second failure
// propagates to the caller.
type Client struct {
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *zap.Logger
}

// NewClient creates a reasoning-service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}

	// Pace requests to the provider RPM limit; token-volume pacing is
	// handled per request via ratecontrol.
	limit := ratecontrol.LimitForProvider(cfg.Provider)
	var limiter *rate.Limiter
	if limit.RPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.RPM)), limit.RPM)
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "reasoning-gateway", logger),
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		logger:  logger,
	}
}

// wire format

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Tools          []wireTool    `json:"tools,omitempty"`
	ToolChoice     string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion request. Deadlines come from ctx plus
// the configured timeout; the call is paced against provider rate limits.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	estTokens := c.estimateRequestTokens(req)
	if delay := ratecontrol.DelayForRequest(c.cfg.Provider, "", estTokens); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.do(ctx, req, estTokens)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// One retry with backoff, then give up.
	ometrics.GatewayRetries.Inc()
	c.logger.Warn("Reasoning-service call failed, retrying once",
		zap.Duration("backoff", c.cfg.RetryBackoff), zap.Error(err))

	timer := time.NewTimer(c.cfg.RetryBackoff)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	}
	return c.do(ctx, req, estTokens)
}

func (c *Client) do(ctx context.Context, req Request, estTokens int) (*Response, error) {
	start := time.Now()

	payload := chatRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload.Temperature = req.Temperature
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, wireMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		payload.Messages = append(payload.Messages, wm)
	}
	if req.JSONMode {
		payload.ResponseFormat = &respFormat{Type: "json_object"}
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(payload.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		ometrics.RecordGatewayMetrics(c.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("reasoning service request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		ometrics.RecordGatewayMetrics(c.cfg.Model, "error", time.Since(start).Seconds())
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("reasoning service returned %d: %s", httpResp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&cr); err != nil {
		ometrics.RecordGatewayMetrics(c.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode reasoning response: %w", err)
	}
	if len(cr.Choices) == 0 {
		ometrics.RecordGatewayMetrics(c.cfg.Model, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("reasoning service returned no choices")
	}

	msg := cr.Choices[0].Message
	out := &Response{Content: msg.Content, TokensUsed: cr.Usage.TotalTokens}
	if out.TokensUsed == 0 {
		// Providers that omit usage get the len/4 estimate.
		out.TokensUsed = estTokens + len(msg.Content)/4
	}
	for _, wtc := range msg.ToolCalls {
		tc := ToolCall{ID: wtc.ID, Name: wtc.Function.Name}
		if wtc.Function.Arguments != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(wtc.Function.Arguments), &args); err == nil {
				tc.Arguments = args
			} else {
				c.logger.Warn("Tool call carried malformed arguments",
					zap.String("tool", tc.Name), zap.Error(err))
				tc.Arguments = map[string]interface{}{}
			}
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	if req.JSONMode {
		out.ParsedJSON = ParseJSONResponse(msg.Content)
	}

	ometrics.RecordGatewayMetrics(c.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}

func (c *Client) estimateRequestTokens(req Request) int {
	total := len(req.SystemPrompt) / 4
	for _, m := range req.Messages {
		total += len(m.Content) / 4
	}
	return total
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }
