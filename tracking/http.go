package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// HTTPTrackerConfig contains configuration for the remote tracking server client
type HTTPTrackerConfig struct {
	BaseURL       string        `json:"base_url"`
	RunName       string        `json:"run_name"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultHTTPTrackerConfig returns default configuration for the tracking client
func DefaultHTTPTrackerConfig() HTTPTrackerConfig {
	return HTTPTrackerConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// TrackerResponse represents the response from the tracking server
type TrackerResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RunID        string `json:"run_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// HTTPTracker reports a run to a remote experiment-tracking server
type HTTPTracker struct {
	config     HTTPTrackerConfig
	httpClient *http.Client
	runID      string
	step       int
}

// NewHTTPTracker creates a new tracking client
func NewHTTPTracker(config HTTPTrackerConfig) *HTTPTracker {
	defaults := DefaultHTTPTrackerConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &HTTPTracker{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// RunID returns the id of the active run, empty before Initialize
func (ht *HTTPTracker) RunID() string { return ht.runID }

// CheckHealth checks if the tracking server is available
func (ht *HTTPTracker) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := ht.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Initialize registers a new run with its configuration
func (ht *HTTPTracker) Initialize(ctx context.Context, config map[string]any) error {
	runID := uuid.NewString()
	payload := map[string]any{
		"run_id": runID,
		"name":   ht.config.RunName,
		"config": config,
	}

	resp, err := ht.postJSONWithRetry(ctx, "/api/runs", payload)
	if err != nil {
		return err
	}
	if resp.RunID != "" {
		runID = resp.RunID
	}
	ht.runID = runID
	ht.step = 0

	if resp.DashboardURL != "" {
		klog.Infof("Tracking run %s: %s%s", runID, ht.config.BaseURL, resp.DashboardURL)
	}
	return nil
}

// LogEpochMetrics sends one epoch's metrics
func (ht *HTTPTracker) LogEpochMetrics(ctx context.Context, metrics map[string]float64) error {
	if ht.runID == "" {
		return errNotInitialized
	}
	payload := map[string]any{
		"step":    ht.step,
		"metrics": metrics,
	}
	if _, err := ht.postJSONWithRetry(ctx, ht.runPath("metrics"), payload); err != nil {
		return err
	}
	ht.step++
	return nil
}

// LogModel uploads a checkpoint file as a named artifact
func (ht *HTTPTracker) LogModel(ctx context.Context, path, name string) error {
	if ht.runID == "" {
		return errNotInitialized
	}

	var lastErr error
	for attempt := 0; attempt < ht.config.RetryAttempts; attempt++ {
		_, err := ht.uploadArtifact(ctx, path, name)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < ht.config.RetryAttempts-1 {
			if err := sleepContext(ctx, ht.config.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("failed to upload artifact after %d attempts: %w", ht.config.RetryAttempts, lastErr)
}

// Finish marks the run as complete
func (ht *HTTPTracker) Finish(ctx context.Context) error {
	if ht.runID == "" {
		return nil
	}
	_, err := ht.postJSONWithRetry(ctx, ht.runPath("finish"), map[string]any{"steps": ht.step})
	return err
}

var errNotInitialized = errors.New("tracking run not initialized")

// maxErrorBody bounds how much of a failed response is quoted in the error
const maxErrorBody = 200

func (ht *HTTPTracker) runPath(action string) string {
	return fmt.Sprintf("/api/runs/%s/%s", ht.runID, action)
}

// postJSONWithRetry sends a JSON payload with retry logic
func (ht *HTTPTracker) postJSONWithRetry(ctx context.Context, path string, payload any) (*TrackerResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < ht.config.RetryAttempts; attempt++ {
		resp, err := ht.do(ctx, path, "application/json", bytes.NewReader(jsonData))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < ht.config.RetryAttempts-1 {
			if err := sleepContext(ctx, ht.config.RetryDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to send %s after %d attempts: %w", path, ht.config.RetryAttempts, lastErr)
}

func (ht *HTTPTracker) uploadArtifact(ctx context.Context, path, name string) (*TrackerResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("failed to write artifact name: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return ht.do(ctx, ht.runPath("artifacts"), writer.FormDataContentType(), &body)
}

func (ht *HTTPTracker) do(ctx context.Context, path, contentType string, body io.Reader) (*TrackerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ht.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "go-trainloop")

	resp, err := ht.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var trackerResponse TrackerResponse
	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &trackerResponse) == nil && trackerResponse.Message != "" {
			message = trackerResponse.Message
		}
		if len(message) > maxErrorBody {
			message = message[:maxErrorBody] + "..."
		}
		return nil, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, message)
	}

	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &trackerResponse); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	return &trackerResponse, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
