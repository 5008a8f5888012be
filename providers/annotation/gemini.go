package annotation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"paper-pulse/config"
	"paper-pulse/metrics"
	"paper-pulse/providers"
)

var _ providers.Annotator = (*GeminiClient)(nil)

// GeminiClient annotates abstracts with the Gemini API. It shares the rate
// limiter, retry budget and answer parsing with Client.
type GeminiClient struct {
	Model          string
	MaxAttempts    int
	RetryBaseDelay time.Duration

	client  *genai.Client
	initErr error

	Limiter *RateLimiter
	Clock   Clock
	Logger  *zap.Logger
}

// NewGeminiClient creates a Gemini-backed annotator. A missing key is
// reported by Annotate, not here, so the service still starts.
func NewGeminiClient(ctx context.Context, cfg *config.Config, limiter *RateLimiter, clock Clock, logger *zap.Logger) *GeminiClient {
	g := &GeminiClient{
		Model:          cfg.GeminiModel,
		MaxAttempts:    cfg.AnnotationMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		Limiter:        limiter,
		Clock:          clock,
		Logger:         logger,
	}
	if cfg.GeminiAPIKey == "" {
		return g
	}
	g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.GeminiAPIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.AnnotationTimeout},
	})
	return g
}

// Annotate implements providers.Annotator.
func (g *GeminiClient) Annotate(ctx context.Context, abstract string) (*providers.Annotation, error) {
	if g.client == nil && g.initErr == nil {
		return nil, &providers.AnnotationError{Message: "GEMINI_API_KEY not set"}
	}
	if g.initErr != nil {
		return nil, &providers.AnnotationError{Message: "creating Gemini client", Err: g.initErr}
	}

	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: SystemInstruction}}},
		ResponseMIMEType:  "application/json",
	}

	for attempt := 1; ; attempt++ {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return nil, &providers.AnnotationError{Message: "waiting for rate limiter", Err: err}
			}
		}

		result, err := g.client.Models.GenerateContent(ctx, g.Model, genai.Text(abstract), genCfg)
		if err == nil {
			metrics.AnnotationRequests.WithLabelValues("ok").Inc()
			if result == nil {
				return nil, &providers.AnnotationError{Message: "No response returned from API"}
			}
			return parseAnnotation(result.Text())
		}

		code := apiErrorCode(err)
		if code == http.StatusTooManyRequests && attempt < maxAttempts {
			metrics.AnnotationRequests.WithLabelValues("throttled").Inc()
			delay := g.RetryBaseDelay * time.Duration(attempt)
			g.Logger.Debug("Gemini API throttled, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-g.Clock.After(delay):
			case <-ctx.Done():
				return nil, &providers.AnnotationError{Message: "waiting for retry", Err: ctx.Err()}
			}
			continue
		}
		if code != 0 {
			metrics.AnnotationRequests.WithLabelValues("api_error").Inc()
			return nil, &providers.AnnotationError{Message: "API error", StatusCode: code, Err: err}
		}
		metrics.AnnotationRequests.WithLabelValues("transport_error").Inc()
		return nil, &providers.AnnotationError{Message: "request failed", Err: err}
	}
}

// apiErrorCode extracts the HTTP status of a genai API error, or 0.
func apiErrorCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
