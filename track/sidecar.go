package track

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SidecarConfig contains configuration for the metrics sidecar client
type SidecarConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultSidecarConfig returns default configuration for the sidecar client
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// SidecarResponse represents the response from the sidecar service
type SidecarResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type scalarPayload struct {
	Title     string  `json:"title"`
	Series    string  `json:"series"`
	Iteration int     `json:"iteration"`
	Value     float64 `json:"value"`
}

type histogramPayload struct {
	Title     string    `json:"title"`
	Series    string    `json:"series"`
	Iteration int       `json:"iteration"`
	Values    []float64 `json:"values"`
	Labels    []string  `json:"labels,omitempty"`
	XAxis     string    `json:"xaxis,omitempty"`
	YAxis     string    `json:"yaxis,omitempty"`
	Summary   Summary   `json:"summary"`
}

// SidecarReporter forwards metrics to a sidecar dashboard over HTTP. It
// starts disabled so training never blocks on a dashboard that is not
// running; failed sends are counted rather than surfaced mid-epoch.
type SidecarReporter struct {
	config     SidecarConfig
	httpClient *http.Client
	enabled    bool

	mu      sync.Mutex
	dropped int
	lastErr error
}

// NewSidecarReporter creates a sidecar client. Zero config fields fall back
// to the defaults.
func NewSidecarReporter(config SidecarConfig) *SidecarReporter {
	defaults := DefaultSidecarConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	return &SidecarReporter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled: false,
	}
}

// Enable enables forwarding to the sidecar
func (s *SidecarReporter) Enable() {
	s.enabled = true
}

// Disable disables forwarding to the sidecar
func (s *SidecarReporter) Disable() {
	s.enabled = false
}

// IsEnabled returns whether forwarding is enabled
func (s *SidecarReporter) IsEnabled() bool {
	return s.enabled
}

// Dropped returns how many reports failed to reach the sidecar.
func (s *SidecarReporter) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LastError returns the most recent send failure, if any.
func (s *SidecarReporter) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// CheckHealth checks if the sidecar service is available
func (s *SidecarReporter) CheckHealth() error {
	if !s.enabled {
		return fmt.Errorf("sidecar reporter is disabled")
	}

	url := fmt.Sprintf("%s/health", s.config.BaseURL)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// ReportScalar forwards a scalar metric to the sidecar.
func (s *SidecarReporter) ReportScalar(title, series string, iteration int, value float64) {
	if !s.enabled {
		return
	}
	s.deliver("/api/scalar", scalarPayload{
		Title:     title,
		Series:    series,
		Iteration: iteration,
		Value:     value,
	})
}

// ReportHistogram forwards a histogram and its summary to the sidecar.
func (s *SidecarReporter) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
	if !s.enabled {
		return
	}
	s.deliver("/api/histogram", histogramPayload{
		Title:     title,
		Series:    series,
		Iteration: iteration,
		Values:    values,
		Labels:    labels,
		XAxis:     xaxis,
		YAxis:     yaxis,
		Summary:   Summarize(values),
	})
}

func (s *SidecarReporter) deliver(path string, payload interface{}) {
	if _, err := s.postWithRetry(path, payload); err != nil {
		s.mu.Lock()
		s.dropped++
		s.lastErr = err
		s.mu.Unlock()
	}
}

// postWithRetry sends a payload with retry logic
func (s *SidecarReporter) postWithRetry(path string, payload interface{}) (*SidecarResponse, error) {
	var lastErr error

	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.post(path, payload)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		// Wait before retry (except for the last attempt)
		if attempt < s.config.RetryAttempts-1 {
			time.Sleep(s.config.RetryDelay)
		}
	}

	return nil, fmt.Errorf("failed to send metrics after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

func (s *SidecarReporter) post(path string, payload interface{}) (*SidecarResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s%s", s.config.BaseURL, path)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "uvtrain-training")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var serviceResponse SidecarResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &serviceResponse); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return &serviceResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, serviceResponse.Message)
	}

	return &serviceResponse, nil
}
