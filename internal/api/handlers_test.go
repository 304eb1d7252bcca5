package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/cropper"
	"github.com/lokalshop/engine/internal/matching"
	"github.com/lokalshop/engine/internal/models"
	"github.com/lokalshop/engine/internal/pipeline"
)

type stubSampler struct{ frames []models.Frame }

func (s stubSampler) Sample(ctx context.Context, videoID, videoPath string) ([]models.Frame, error) {
	return s.frames, nil
}

type stubDetector struct{}

func (stubDetector) Detect(ctx context.Context, frame models.Frame, threshold float64, allow []string) ([]models.Detection, error) {
	return []models.Detection{{
		FrameIndex: frame.Index,
		ClassName:  "chair",
		Confidence: 0.9,
		BBox:       models.BBox{X: 0.1, Y: 0.1, W: 0.3, H: 0.3},
	}}, nil
}

type stubCropper struct{}

func (stubCropper) CropTracks(frames []models.Frame, tracks []models.Track) cropper.Result {
	return cropper.Result{Crops: []models.Crop{{TrackID: 1, ClassName: "chair", Confidence: 0.9}}}
}

type stubEnhancer struct{}

func (stubEnhancer) Enhance(ctx context.Context, videoID string, crops []models.Crop) ([]models.EnhancedLabel, int) {
	labels := make([]models.EnhancedLabel, len(crops))
	for i, c := range crops {
		labels[i] = models.EnhancedLabel{TrackID: c.TrackID, OriginalClassName: c.ClassName, Source: models.SourceDetector}
	}
	return labels, 0
}

type stubCatalog struct{}

func (stubCatalog) Search(ctx context.Context, labels []string) ([]models.Product, error) {
	return []models.Product{
		{ID: "p1", Title: "Velvet Armchair", Rating: 4.5, ReviewCount: 100},
	}, nil
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]models.VideoJob
}

func (s *memJobStore) Save(ctx context.Context, job *models.VideoJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) GetByID(ctx context.Context, id string) (*models.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &job, nil
}

func (s *memJobStore) List(ctx context.Context, limit int) ([]*models.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.VideoJob
	for id := range s.jobs {
		job := s.jobs[id]
		out = append(out, &job)
	}
	return out, nil
}

type passthroughStorage struct{}

func (passthroughStorage) FilePath(ref string) (string, error) { return ref, nil }

func (passthroughStorage) Open(ref string) (io.ReadSeekCloser, error) {
	return nil, models.ErrSourceUnreadable
}

func newTestApp(t *testing.T) (*App, *memJobStore) {
	t.Helper()
	cfg := &config.Config{
		Detector: config.DetectorConfig{Timeout: time.Second, Workers: 2},
		Tracker: config.TrackerConfig{
			IoUThreshold: 0.3, MinHitsToConfirm: 2, MaxAgeWithoutMatch: 2, LostGraceFrames: 2,
		},
		Matcher: config.MatcherConfig{MaxResults: 20},
	}
	store := &memJobStore{jobs: make(map[string]models.VideoJob)}
	matcher := matching.New(cfg.Matcher, stubCatalog{}, nil)
	frames := []models.Frame{{Index: 0, Data: []byte("x")}, {Index: 1, Data: []byte("x")}, {Index: 2, Data: []byte("x")}}
	pipe := pipeline.New(cfg, stubSampler{frames: frames}, stubDetector{}, stubCropper{},
		stubEnhancer{}, matcher, store, passthroughStorage{})
	return NewApp(pipe, matcher), store
}

func waitForTerminal(t *testing.T, store *memJobStore, id string) *models.VideoJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), id)
		if err == nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestSubmitVideoAccepted(t *testing.T) {
	app, store := newTestApp(t)
	router := NewRouter(app)

	body := strings.NewReader(`{"video_id": "vid-1", "source_ref": "clip.mp4"}`)
	req := httptest.NewRequest("POST", "/api/videos", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		VideoID string `json:"video_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.VideoID != "vid-1" || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}

	job := waitForTerminal(t, store, "vid-1")
	if job.Status != models.StatusCompleted {
		t.Errorf("final status = %s, want completed", job.Status)
	}
}

func TestSubmitVideoValidation(t *testing.T) {
	app, _ := newTestApp(t)
	router := NewRouter(app)

	tests := []struct {
		name string
		body string
	}{
		{"missing source_ref", `{"video_id": "v"}`},
		{"blank source_ref", `{"source_ref": "   "}`},
		{"malformed json", `{"source_ref": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/videos", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestVideoStatusEndpoints(t *testing.T) {
	app, store := newTestApp(t)
	router := NewRouter(app)

	req := httptest.NewRequest("POST", "/api/videos",
		strings.NewReader(`{"video_id": "vid-1", "source_ref": "clip.mp4"}`))
	router.ServeHTTP(httptest.NewRecorder(), req)
	waitForTerminal(t, store, "vid-1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/videos/vid-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job models.VideoJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decoding job: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Result == nil {
		t.Errorf("job = %+v", job)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/videos/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing video status = %d, want 404", rec.Code)
	}
}

func TestProductSearch(t *testing.T) {
	app, _ := newTestApp(t)
	router := NewRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/products?label=chair", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Matches []models.ProductMatch `json:"matches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].ProductID != "p1" {
		t.Errorf("matches = %+v", resp.Matches)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/products", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing label status = %d, want 400", rec.Code)
	}
}

func TestEventsStreamTerminalSnapshot(t *testing.T) {
	app, store := newTestApp(t)
	router := NewRouter(app)

	req := httptest.NewRequest("POST", "/api/videos",
		strings.NewReader(`{"video_id": "vid-1", "source_ref": "clip.mp4"}`))
	router.ServeHTTP(httptest.NewRecorder(), req)
	waitForTerminal(t, store, "vid-1")

	// Connecting after completion yields exactly the terminal event.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/videos/vid-1/events", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var dataLine string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			dataLine = strings.TrimPrefix(scanner.Text(), "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatalf("no data frame in stream: %q", rec.Body.String())
	}

	var ev models.ProgressEvent
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Status != models.StatusCompleted || ev.ProgressPercent != 100 {
		t.Errorf("terminal event = %+v", ev)
	}
}

func TestEventsStreamUnknownVideo(t *testing.T) {
	app, _ := newTestApp(t)
	router := NewRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/videos/nope/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPing(t *testing.T) {
	app, _ := newTestApp(t)
	router := NewRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
