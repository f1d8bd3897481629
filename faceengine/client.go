// Package faceengine is the HTTP client for the external
// DeepFace-compatible face recognition engine. All detection, alignment
// and embedding computation happens inside the engine; this package only
// shapes requests and responses.
package faceengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	ModelArcFace = "ArcFace"

	DetectorMTCNN      = "mtcnn"
	DetectorRetinaFace = "retinaface"
)

// ErrNoFace is returned when the engine finds no face in an image.
var ErrNoFace = errors.New("no face detected")

// Options select the recognition model and detector backend for a call.
type Options struct {
	Model            string
	DetectorBackend  string
	EnforceDetection bool
}

// VerifyResult is the engine's same/different-person decision.
type VerifyResult struct {
	Verified        bool    `json:"verified"`
	Distance        float64 `json:"distance"`
	Threshold       float64 `json:"threshold"`
	Model           string  `json:"model"`
	DetectorBackend string  `json:"detector_backend"`
}

// Client defines the face engine operations used by the comparison flow.
// Image references are either data URIs (see DataURI) or remote URLs,
// both of which the engine resolves itself.
type Client interface {
	// Verify compares two face images and decides whether they belong
	// to the same person.
	Verify(ctx context.Context, img1, img2 string, opts Options) (*VerifyResult, error)

	// Represent extracts the raw (un-normalized) embedding vector of
	// the face in the image. Returns ErrNoFace when the engine detects
	// no face.
	Represent(ctx context.Context, img string, opts Options) ([]float64, error)

	// HealthCheck verifies the engine service is reachable.
	HealthCheck(ctx context.Context) error
}

// DataURI wraps raw image bytes as a base64 data URI the engine accepts
// in place of a file path or URL.
func DataURI(img []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
}

// HTTPClient implements Client against a DeepFace API server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the engine at baseURL. A zero
// timeout defaults to 120 seconds; cold model loads are slow.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type verifyRequest struct {
	Img1Path         string `json:"img1_path"`
	Img2Path         string `json:"img2_path"`
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	EnforceDetection bool   `json:"enforce_detection"`
}

type representRequest struct {
	ImgPath          string `json:"img_path"`
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	EnforceDetection bool   `json:"enforce_detection"`
}

type representResponse struct {
	Results []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"results"`
}

func (c *HTTPClient) Verify(ctx context.Context, img1, img2 string, opts Options) (*VerifyResult, error) {
	body := verifyRequest{
		Img1Path:         img1,
		Img2Path:         img2,
		ModelName:        opts.Model,
		DetectorBackend:  opts.DetectorBackend,
		EnforceDetection: opts.EnforceDetection,
	}

	var result VerifyResult
	if err := c.postJSON(ctx, "/verify", body, &result); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if result.DetectorBackend == "" {
		result.DetectorBackend = opts.DetectorBackend
	}

	slog.Debug("Engine verification completed",
		"verified", result.Verified,
		"distance", result.Distance,
		"threshold", result.Threshold,
		"detector_backend", result.DetectorBackend)
	return &result, nil
}

func (c *HTTPClient) Represent(ctx context.Context, img string, opts Options) ([]float64, error) {
	body := representRequest{
		ImgPath:          img,
		ModelName:        opts.Model,
		DetectorBackend:  opts.DetectorBackend,
		EnforceDetection: opts.EnforceDetection,
	}

	var result representResponse
	if err := c.postJSON(ctx, "/represent", body, &result); err != nil {
		return nil, fmt.Errorf("represent: %w", err)
	}
	if len(result.Results) == 0 || len(result.Results[0].Embedding) == 0 {
		return nil, ErrNoFace
	}

	slog.Debug("Engine embedding extracted",
		"dimensions", len(result.Results[0].Embedding),
		"detector_backend", opts.DetectorBackend)
	return result.Results[0].Embedding, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, truncate(body))
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, truncate(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// truncate keeps error messages readable when the engine dumps a
// traceback into the response body.
func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
