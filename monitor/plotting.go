package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

var validate = validator.New()

// PlottingService sends plots to the sidecar plotting application
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	config     PlottingServiceConfig
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL        string        `json:"base_url" validate:"required,url"`
	Timeout        time.Duration `json:"timeout" validate:"gt=0"`
	RetryAttempts  int           `json:"retry_attempts" validate:"gte=1"`
	RetryDelay     time.Duration `json:"retry_delay" validate:"gte=0"`
	RequestsPerSec float64       `json:"requests_per_sec" validate:"gt=0"`
	Burst          int           `json:"burst" validate:"gte=1"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:        "http://localhost:8080",
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     1 * time.Second,
		RequestsPerSec: 5,
		Burst:          5,
	}
}

// NewPlottingService creates a new plotting service client
func NewPlottingService(config PlottingServiceConfig) (*PlottingService, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid plotting service config: %w", err)
	}
	return &PlottingService{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		config:  config,
	}, nil
}

func (ps *PlottingService) Name() string { return "plotting" }

// Publish forwards plot-carrying events; all other events are ignored.
func (ps *PlottingService) Publish(ctx context.Context, event Event) error {
	if event.Plot == nil {
		return nil
	}
	plot := *event.Plot
	if plot.PlotID == "" {
		plot.PlotID = event.ID
	}
	_, err := ps.SendPlotDataWithRetry(ctx, plot)
	return err
}

// Reset is a no-op: the sidecar keeps no per-run state that could be cleared.
func (ps *PlottingService) Reset(ctx context.Context, runID string) error { return nil }

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if err := ps.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	jsonData, err := json.Marshal(plotData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	url := fmt.Sprintf("%s/api/plot", ps.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trainloop")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var plotResponse PlottingResponse
	if err := json.Unmarshal(respBody, &plotResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &plotResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	}

	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying failed attempts
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	var lastErr error

	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < ps.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("failed to send plot data: %w", ctx.Err())
			case <-time.After(ps.config.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to send plot data after %d attempts: %w", ps.config.RetryAttempts, lastErr)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", ps.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
