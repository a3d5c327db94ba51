// Package llm provides an OpenAI-compatible client for structured agent
// calls. All agent prompts request strict JSON-schema output so responses
// can be decoded without free-text scraping.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the capability contract the agents depend on.
type Client interface {
	// GenerateJSON runs a system+user prompt constrained to the given
	// JSON schema and returns the decoded object.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	// GenerateJSONWithImage is GenerateJSON with an attached image
	// (https URL or data URL).
	GenerateJSONWithImage(ctx context.Context, system, user, imageURL, schemaName string, schema map[string]any) (map[string]any, error)
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// ConfigFromEnv builds a Config from OPENAI_* environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:    strings.TrimRight(os.Getenv("OPENAI_BASE_URL"), "/"),
		APIKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		Model:      strings.TrimSpace(os.Getenv("OPENAI_MODEL")),
		Timeout:    60 * time.Second,
		MaxRetries: 3,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.Timeout = time.Duration(sec) * time.Second
		}
	}
	return cfg
}

type client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a new client. The API key is required.
func New(cfg Config, logger *zap.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
	Temperature float64 `json:"temperature"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func (c *client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return c.generate(ctx, system, user, schemaName, schema)
}

func (c *client) GenerateJSONWithImage(ctx context.Context, system, user, imageURL, schemaName string, schema map[string]any) (map[string]any, error) {
	content := []map[string]any{
		{"type": "input_text", "text": user},
	}
	if strings.TrimSpace(imageURL) != "" {
		content = append(content, map[string]any{
			"type":      "input_image",
			"image_url": imageURL,
		})
	}
	return c.generate(ctx, system, content, schemaName, schema)
}

func (c *client) generate(ctx context.Context, system string, userContent any, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" || schema == nil {
		return nil, errors.New("llm: schema required")
	}

	req := responsesRequest{
		Model: c.cfg.Model,
		Input: []inputMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.2,
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}

	var resp responsesResponse
	if err := c.do(ctx, "/v1/responses", req, &resp); err != nil {
		return nil, err
	}
	if resp.Refusal != "" {
		return nil, fmt.Errorf("llm: model refused: %s", resp.Refusal)
	}

	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("llm: empty response")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("llm: decode model JSON: %w", err)
	}
	return obj, nil
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				out.WriteString(c.Text)
			}
		}
	}
	return out.String()
}

func (c *client) do(ctx context.Context, path string, body, out any) error {
	backoff := time.Second

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			return json.Unmarshal(raw, out)
		}
		lastErr = err

		if !isRetryable(err) || attempt == c.cfg.MaxRetries {
			return err
		}

		c.logger.Warn("llm request retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func isRetryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	// Network-level failures are retryable.
	return true
}
