// Package genai calls the third-party text-generation provider that produces
// the actual reading prose. The coordinator treats it as an opaque, costly,
// non-deterministic callback.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/reading"
)

const maxResponseSize = 2 * 1024 * 1024 // 2MB upstream response cap

// Request shape we send upstream (OpenAI-style chat completions).
type providerRequest struct {
	Model    string            `json:"model"`
	Messages []providerMessage `json:"messages"`
}

type providerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type providerResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      providerMessage `json:"message"`
		FinishReason string          `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Reading is the serialized payload stored in the cache and returned to
// clients.
type Reading struct {
	Type   string `json:"type"`
	Locale string `json:"locale"`
	Text   string `json:"text"`
}

// Client talks to the generation provider. Implements coordinator.Generator.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a generation client with the given configuration.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("genai"),
	}, nil
}

// Generate produces the reading text for a normalized request and reports
// its cost in upstream token units.
func (c *Client) Generate(parentCtx context.Context, norm reading.NormalizedRequest) ([]byte, int64, error) {
	start := time.Now()

	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	pReq := providerRequest{
		Model:    c.cfg.Model,
		Messages: buildMessages(norm),
	}

	bodyBytes, err := json.Marshal(pReq)
	if err != nil {
		return nil, 0, fmt.Errorf("genai: marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"

	// doOnce builds a fresh *http.Request for each attempt.
	doOnce := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("genai: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", uuid.NewString())
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, doOnce)
	if err != nil {
		c.logger.Error("generation request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))

		var perr providerError
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			c.logger.Error("generation provider error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", perr.Error.Type),
				zap.String("error_message", perr.Error.Message),
			)
			return nil, 0, fmt.Errorf("genai: upstream %d: %s (%s)",
				resp.StatusCode, perr.Error.Message, perr.Error.Type)
		}

		c.logger.Error("generation upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, 0, fmt.Errorf("genai: upstream %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var pResp providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&pResp); err != nil {
		return nil, 0, fmt.Errorf("genai: decode upstream response: %w", err)
	}

	if len(pResp.Choices) == 0 || pResp.Choices[0].Message.Content == "" {
		return nil, 0, fmt.Errorf("genai: provider returned no content")
	}

	payload, err := json.Marshal(Reading{
		Type:   string(norm.Type),
		Locale: norm.Locale,
		Text:   pResp.Choices[0].Message.Content,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("genai: marshal reading: %w", err)
	}

	// Cost is the provider's token usage; at least one unit per successful
	// call so the budget still moves when usage is missing.
	costUnits := int64(1)
	if pResp.Usage != nil && pResp.Usage.TotalTokens > 0 {
		costUnits = int64(pResp.Usage.TotalTokens)
	}

	c.logger.Info("generation request completed",
		zap.String("model", pResp.Model),
		zap.Int64("cost_units", costUnits),
		zap.Duration("duration", time.Since(start)),
	)

	return payload, costUnits, nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
