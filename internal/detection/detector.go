// Package detection integrates the external object detector and maintains
// per-object identity across frames.
package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

// Detector is the capability boundary around the object-detection engine.
// An empty result means "no objects"; ErrDetectorUnavailable means the engine
// itself could not be reached.
type Detector interface {
	Detect(ctx context.Context, frame models.Frame, confidenceThreshold float64, classAllowList []string) ([]models.Detection, error)
}

// HTTPDetector calls a detector sidecar over HTTP.
type HTTPDetector struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPDetector(cfg config.DetectorConfig) *HTTPDetector {
	return &HTTPDetector{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type detectRequest struct {
	Image               string   `json:"image"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	Classes             []string `json:"classes,omitempty"`
}

type detectResponse struct {
	Detections []struct {
		ClassName  string      `json:"class_name"`
		Confidence float64     `json:"confidence"`
		BBox       models.BBox `json:"bbox"`
	} `json:"detections"`
	Error string `json:"error,omitempty"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame models.Frame, confidenceThreshold float64, classAllowList []string) ([]models.Detection, error) {
	reqBody := detectRequest{
		Image:               base64.StdEncoding.EncodeToString(frame.Data),
		ConfidenceThreshold: confidenceThreshold,
		Classes:             classAllowList,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/detect", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", models.ErrDetectorUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", models.ErrDetectorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector rejected frame %d: status %d", frame.Index, resp.StatusCode)
	}

	var detectResp detectResponse
	if err := json.Unmarshal(body, &detectResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if detectResp.Error != "" {
		return nil, fmt.Errorf("detector error: %s", detectResp.Error)
	}

	allow := make(map[string]bool, len(classAllowList))
	for _, c := range classAllowList {
		allow[c] = true
	}

	detections := make([]models.Detection, 0, len(detectResp.Detections))
	for _, det := range detectResp.Detections {
		if det.Confidence < confidenceThreshold {
			continue
		}
		if len(allow) > 0 && !allow[det.ClassName] {
			continue
		}
		if !validBBox(det.BBox) {
			continue
		}
		detections = append(detections, models.Detection{
			FrameIndex: frame.Index,
			BBox:       det.BBox,
			ClassName:  det.ClassName,
			Confidence: det.Confidence,
		})
	}

	return detections, nil
}

// Ping verifies the detector sidecar is reachable.
func (d *HTTPDetector) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", d.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDetectorUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", models.ErrDetectorUnavailable, resp.StatusCode)
	}
	return nil
}

func validBBox(b models.BBox) bool {
	return b.X >= 0 && b.Y >= 0 && b.W > 0 && b.H > 0 &&
		b.X+b.W <= 1.0001 && b.Y+b.H <= 1.0001
}
