package carbon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider estimates emissions through an external service.
type Provider interface {
	Estimate(ctx context.Context, category string, amount float64) (float64, error)
}

// ErrInvalidEstimate is returned when the provider answers with a value that
// cannot be a score.
var ErrInvalidEstimate = errors.New("invalid estimate from carbon provider")

// HTTPProviderConfig configures HTTPProvider.
type HTTPProviderConfig struct {
	APIKey  string // required
	URL     string
	Timeout time.Duration
}

// HTTPProvider calls a Climatiq-style estimate endpoint: the activity id is
// the lowercased category and the response carries the score as "co2e".
type HTTPProvider struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg HTTPProviderConfig, logger *zap.Logger) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("CARBON_API_KEY is required for external scoring")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("CARBON_API_URL is required for external scoring")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	return &HTTPProvider{
		apiKey: cfg.APIKey,
		url:    cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

type estimateRequest struct {
	EmissionFactor struct {
		ActivityID string `json:"activity_id"`
	} `json:"emission_factor"`
	Parameters struct {
		Amount float64 `json:"amount"`
	} `json:"parameters"`
}

type estimateResponse struct {
	CO2e  *float64 `json:"co2e"`
	Error string   `json:"error,omitempty"`
}

// Estimate requests a score for amount units of category.
func (p *HTTPProvider) Estimate(ctx context.Context, category string, amount float64) (float64, error) {
	var req estimateRequest
	req.EmissionFactor.ActivityID = strings.ToLower(category)
	req.Parameters.Amount = amount

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("carbon API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("carbon API returned status %d", resp.StatusCode)
	}

	var estimate estimateResponse
	if err := json.Unmarshal(respBody, &estimate); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}

	if estimate.Error != "" {
		return 0, fmt.Errorf("carbon API error: %s", estimate.Error)
	}

	if estimate.CO2e == nil {
		return 0, fmt.Errorf("%w: missing co2e", ErrInvalidEstimate)
	}

	v := *estimate.CO2e
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEstimate, v)
	}

	p.logger.Debug("carbon API estimate",
		zap.String("activity_id", req.EmissionFactor.ActivityID),
		zap.Float64("co2e", v),
	)

	return v, nil
}
