package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"paper-pulse/config"
	"paper-pulse/metrics"
	"paper-pulse/providers"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = time.Second
)

var _ providers.Annotator = (*Client)(nil)

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	Endpoint string
	Model    string
	APIKey   string

	// MaxAttempts bounds the number of requests per abstract when throttled.
	MaxAttempts int
	// RetryBaseDelay is multiplied by the attempt number when the server
	// sends no Retry-After header.
	RetryBaseDelay time.Duration

	HTTPClient *http.Client
	Limiter    *RateLimiter
	Clock      Clock
	Logger     *zap.Logger
}

// NewClient creates a chat completions client sharing the given limiter.
func NewClient(cfg *config.Config, limiter *RateLimiter, clock Clock, logger *zap.Logger) *Client {
	return &Client{
		Endpoint:       cfg.AnnotationAPIURL,
		Model:          cfg.AnnotationModel,
		APIKey:         cfg.AnnotationAPIKey,
		MaxAttempts:    cfg.AnnotationMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		HTTPClient:     &http.Client{Timeout: cfg.AnnotationTimeout},
		Limiter:        limiter,
		Clock:          clock,
		Logger:         logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Annotate returns summary, keywords, methods and organism for one abstract.
// Throttled requests (HTTP 429) are retried up to MaxAttempts in total.
func (c *Client) Annotate(ctx context.Context, abstract string) (*providers.Annotation, error) {
	if c.APIKey == "" {
		return nil, &providers.AnnotationError{Message: "ANNOTATION_API_KEY not set"}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: abstract},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
		Temperature:    0.2,
	})
	if err != nil {
		return nil, &providers.AnnotationError{Message: "encoding request", Err: err}
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, &providers.AnnotationError{Message: "waiting for rate limiter", Err: err}
			}
		}

		status, header, payload, err := c.send(ctx, body)
		if err != nil {
			metrics.AnnotationRequests.WithLabelValues("transport_error").Inc()
			return nil, &providers.AnnotationError{Message: "request failed", Err: err}
		}

		if status == http.StatusTooManyRequests && attempt < maxAttempts {
			metrics.AnnotationRequests.WithLabelValues("throttled").Inc()
			delay := c.retryDelay(header, attempt)
			c.Logger.Debug("Annotation API throttled, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-c.Clock.After(delay):
			case <-ctx.Done():
				return nil, &providers.AnnotationError{Message: "waiting for retry", Err: ctx.Err()}
			}
			continue
		}

		if status < 200 || status > 299 {
			metrics.AnnotationRequests.WithLabelValues(strconv.Itoa(status)).Inc()
			return nil, &providers.AnnotationError{
				Message:    fmt.Sprintf("API error: %s", strings.TrimSpace(string(payload))),
				StatusCode: status,
			}
		}
		metrics.AnnotationRequests.WithLabelValues("ok").Inc()
		return decodeChatResponse(payload)
	}
}

// send performs one POST and returns status, headers and at most 1 MiB of body.
func (c *Client) send(ctx context.Context, body []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload = truncate(payload, 512)
	}
	return resp.StatusCode, resp.Header, payload, nil
}

// retryDelay honours Retry-After (seconds) and otherwise grows linearly.
func (c *Client) retryDelay(h http.Header, attempt int) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	base := c.RetryBaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	return base * time.Duration(attempt)
}

func decodeChatResponse(payload []byte) (*providers.Annotation, error) {
	var resp chatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &providers.AnnotationError{Message: "decoding response", Err: err}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return nil, &providers.AnnotationError{Message: "No response returned from API"}
	}
	return parseAnnotation(*resp.Choices[0].Message.Content)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// IsThrottled reports whether err is an annotation failure caused by HTTP 429.
func IsThrottled(err error) bool {
	var annErr *providers.AnnotationError
	return errors.As(err, &annErr) && annErr.StatusCode == http.StatusTooManyRequests
}
