// internal/llm/client.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const systemPrompt = `You are a senior cybersecurity analyst reviewing security log activity aimed at a monitored host. Respond with a single JSON object only, no prose.`

// ErrLLMUnavailable indicates all LLM endpoints are down
var ErrLLMUnavailable = errors.New("all LLM endpoints unavailable")

// unavailableError marks a failure worth retrying on the next endpoint
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string { return e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

// Endpoint represents a single LLM provider
type Endpoint struct {
	URL    string
	Model  string
	APIKey string
}

// Client calls LLM inference APIs with fallback support (OpenAI-compatible format)
type Client struct {
	endpoints []Endpoint
	client    *http.Client
	maxTokens int
}

// NewClient creates a new LLM client with fallback chain.
// timeout bounds each endpoint attempt.
func NewClient(endpoints []Endpoint, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoints: endpoints,
		maxTokens: 1500,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
	}
}

// Complete sends the prompt and returns the raw completion text.
// Tries each endpoint in order; returns ErrLLMUnavailable only if ALL fail.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if len(c.endpoints) == 0 {
		return "", fmt.Errorf("%w: no LLM endpoints configured", ErrLLMUnavailable)
	}

	var lastErr error
	for i, ep := range c.endpoints {
		start := time.Now()
		text, err := c.tryEndpoint(ctx, ep, prompt)
		if err == nil {
			if i > 0 {
				log.Info().Int("endpoint", i+1).Str("model", ep.Model).Int("failures", i).
					Msg("LLM fallback endpoint succeeded")
			}
			log.Debug().Str("model", ep.Model).Dur("latency", time.Since(start)).Msg("LLM completion received")
			return text, nil
		}

		lastErr = err
		var unavailable *unavailableError
		if errors.As(err, &unavailable) {
			log.Warn().Err(err).Int("endpoint", i+1).Str("model", ep.Model).
				Msg("LLM endpoint unavailable, trying next")
			continue
		}

		// Non-availability error (e.g., auth or bad request) - don't try fallback
		return "", err
	}

	return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, lastErr)
}

func (c *Client) tryEndpoint(ctx context.Context, ep Endpoint, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model": ep.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(ep.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection errors and timeouts are "unavailable"
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", &unavailableError{fmt.Errorf("connection failed: %w", err)}
		}
		return "", err
	}
	defer resp.Body.Close()

	// Service unavailable / bad gateway / gateway timeout / rate limited - try next endpoint
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return "", &unavailableError{fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decode API response: %w", err)
	}

	if len(apiResp.Choices) == 0 || strings.TrimSpace(apiResp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty response from API")
	}

	return apiResp.Choices[0].Message.Content, nil
}

// IsUnavailable checks if the error indicates all LLM endpoints are down
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLLMUnavailable)
}
