package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/cropper"
	"github.com/lokalshop/engine/internal/models"
)

type fakeSampler struct {
	frames []models.Frame
	err    error
	gate   chan struct{} // when set, Sample blocks until the gate closes
}

func (f *fakeSampler) Sample(ctx context.Context, videoID, videoPath string) ([]models.Frame, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.frames, f.err
}

type fakeDetector struct {
	fn func(frame models.Frame) ([]models.Detection, error)
}

func (f *fakeDetector) Detect(ctx context.Context, frame models.Frame, threshold float64, allow []string) ([]models.Detection, error) {
	return f.fn(frame)
}

type fakeCropper struct {
	result cropper.Result
}

func (f *fakeCropper) CropTracks(frames []models.Frame, tracks []models.Track) cropper.Result {
	return f.result
}

type fakeEnhancer struct {
	labels []models.EnhancedLabel
}

func (f *fakeEnhancer) Enhance(ctx context.Context, videoID string, crops []models.Crop) ([]models.EnhancedLabel, int) {
	return f.labels, 0
}

type fakeMatcher struct {
	mu      sync.Mutex
	calls   [][]string
	err     error
	errOnce bool
	matches []models.ProductMatch
}

func (f *fakeMatcher) Match(ctx context.Context, labels []string) ([]models.ProductMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, labels)
	if f.err != nil {
		err := f.err
		if f.errOnce {
			f.err = nil
		}
		return nil, err
	}
	return f.matches, nil
}

func (f *fakeMatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]models.VideoJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]models.VideoJob)}
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

type fakeStorage struct{}

func (fakeStorage) FilePath(sourceRef string) (string, error) { return sourceRef, nil }
func (fakeStorage) Open(sourceRef string) (io.ReadSeekCloser, error) {
	return nil, errors.New("not implemented")
}

func testPipelineConfig() *config.Config {
	return &config.Config{
		Detector: config.DetectorConfig{
			ConfidenceThreshold: 0.5,
			Timeout:             time.Second,
			Workers:             2,
		},
		Tracker: config.TrackerConfig{
			IoUThreshold:       0.3,
			MinHitsToConfirm:   2,
			MaxAgeWithoutMatch: 2,
			LostGraceFrames:    2,
		},
	}
}

func testFrames(n int) []models.Frame {
	frames := make([]models.Frame, n)
	for i := range frames {
		frames[i] = models.Frame{Index: i, Data: []byte("jpeg")}
	}
	return frames
}

func steadyDetection(frame models.Frame) ([]models.Detection, error) {
	return []models.Detection{{
		FrameIndex: frame.Index,
		ClassName:  "chair",
		Confidence: 0.9,
		BBox:       models.BBox{X: 0.1, Y: 0.1, W: 0.3, H: 0.3},
	}}, nil
}

func newTestPipeline(t *testing.T, sampler *fakeSampler, detector *fakeDetector,
	enhancer *fakeEnhancer, matcher *fakeMatcher) (*Pipeline, *memJobStore) {
	t.Helper()
	store := newMemJobStore()
	crops := cropper.Result{
		Crops: []models.Crop{{TrackID: 1, ClassName: "chair", Confidence: 0.9, Data: []byte("crop")}},
	}
	p := New(testPipelineConfig(), sampler, detector, &fakeCropper{result: crops},
		enhancer, matcher, store, fakeStorage{})
	return p, store
}

func collectEvents(t *testing.T, events <-chan models.ProgressEvent) []models.ProgressEvent {
	t.Helper()
	var out []models.ProgressEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream close, got %d events", len(out))
		}
	}
}

func TestPipelineHappyPath(t *testing.T) {
	matcher := &fakeMatcher{matches: []models.ProductMatch{
		{ProductID: "p1", MatchType: models.MatchExact, Score: 1, Label: "velvet armchair"},
	}}
	enhancer := &fakeEnhancer{labels: []models.EnhancedLabel{
		{TrackID: 1, OriginalClassName: "chair", EnhancedName: "velvet armchair", Source: models.SourceVisionAI},
	}}
	p, store := newTestPipeline(t,
		&fakeSampler{frames: testFrames(4)},
		&fakeDetector{fn: steadyDetection},
		enhancer, matcher)

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collectEvents(t, events)

	wantOrder := []models.JobStatus{
		models.StatusQueued, models.StatusSampling, models.StatusDetecting,
		models.StatusCropping, models.StatusEnhancing, models.StatusMatching,
		models.StatusCompleted,
	}
	if len(got) != len(wantOrder) {
		t.Fatalf("events = %d, want %d: %+v", len(got), len(wantOrder), got)
	}
	for i, want := range wantOrder {
		if got[i].Status != want {
			t.Errorf("event %d status = %s, want %s", i, got[i].Status, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].ProgressPercent < got[i-1].ProgressPercent {
			t.Errorf("progress went backwards at event %d: %d -> %d",
				i, got[i-1].ProgressPercent, got[i].ProgressPercent)
		}
	}
	if got[len(got)-1].ProgressPercent != 100 {
		t.Errorf("terminal progress = %d, want 100", got[len(got)-1].ProgressPercent)
	}

	job, err := store.GetByID(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("load final job: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Degraded {
		t.Errorf("final job = %+v, want clean completion", job)
	}
	if job.Result == nil || len(job.Result.Matches) != 1 {
		t.Fatalf("final result = %+v", job.Result)
	}
	if job.Result.FramesSampled != 4 || job.Result.TracksTotal != 1 {
		t.Errorf("result counters = %+v", job.Result)
	}

	// Matching ran on the enhanced name, not on the raw class.
	if matcher.callCount() != 1 || matcher.calls[0][0] != "velvet armchair" {
		t.Errorf("matcher calls = %v", matcher.calls)
	}
}

func TestPipelineDetectorUnavailableFailsJob(t *testing.T) {
	detector := &fakeDetector{fn: func(models.Frame) ([]models.Detection, error) {
		return nil, models.ErrDetectorUnavailable
	}}
	matcher := &fakeMatcher{}
	p, store := newTestPipeline(t, &fakeSampler{frames: testFrames(3)}, detector,
		&fakeEnhancer{}, matcher)

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Status != models.StatusFailed {
		t.Fatalf("terminal status = %s, want failed", last.Status)
	}
	for _, ev := range got {
		switch ev.Status {
		case models.StatusCropping, models.StatusEnhancing, models.StatusMatching, models.StatusCompleted:
			t.Errorf("event %s emitted after fatal detection failure", ev.Status)
		}
	}

	job, _ := store.GetByID(context.Background(), "vid-1")
	if job.Status != models.StatusFailed || job.Error == "" {
		t.Errorf("final job = %+v, want failed with error", job)
	}
	if matcher.callCount() != 0 {
		t.Errorf("matcher called %d times after detection failure", matcher.callCount())
	}
}

func TestPipelineUnreadableSourceFailsJob(t *testing.T) {
	p, store := newTestPipeline(t,
		&fakeSampler{err: models.ErrSourceUnreadable},
		&fakeDetector{fn: steadyDetection},
		&fakeEnhancer{}, &fakeMatcher{})

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "bad.mp4"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	collectEvents(t, events)

	job, _ := store.GetByID(context.Background(), "vid-1")
	if job.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestPipelineMatchingFailureDegrades(t *testing.T) {
	// First matching call fails; the detector-only retry succeeds.
	matcher := &fakeMatcher{
		err:     errors.New("catalog down"),
		errOnce: true,
		matches: []models.ProductMatch{{ProductID: "p1", MatchType: models.MatchPartial, Score: 0.5, Label: "chair"}},
	}
	p, store := newTestPipeline(t,
		&fakeSampler{frames: testFrames(4)},
		&fakeDetector{fn: steadyDetection},
		&fakeEnhancer{labels: []models.EnhancedLabel{
			{TrackID: 1, OriginalClassName: "chair", EnhancedName: "velvet armchair", Source: models.SourceVisionAI},
		}},
		matcher)

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Status != models.StatusCompleted || !last.Degraded {
		t.Fatalf("terminal event = %+v, want degraded completion", last)
	}

	job, _ := store.GetByID(context.Background(), "vid-1")
	if job.Status != models.StatusCompleted || !job.Degraded {
		t.Fatalf("final job = %+v, want degraded completion", job)
	}
	if len(job.Result.Matches) != 1 {
		t.Errorf("degraded matches = %+v", job.Result.Matches)
	}
	// The retry used aggregated detector classes.
	if matcher.callCount() != 2 || matcher.calls[1][0] != "chair" {
		t.Errorf("matcher calls = %v", matcher.calls)
	}
}

func TestPipelineRejectsConcurrentSubmission(t *testing.T) {
	gate := make(chan struct{})
	p, _ := newTestPipeline(t,
		&fakeSampler{frames: testFrames(3), gate: gate},
		&fakeDetector{fn: steadyDetection},
		&fakeEnhancer{}, &fakeMatcher{})

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); !errors.Is(err, models.ErrAlreadyProcessing) {
		t.Fatalf("second submit error = %v, want ErrAlreadyProcessing", err)
	}

	// A different video is not blocked by vid-1's lease.
	if _, err := p.Submit(context.Background(), "vid-2", "other.mp4"); err != nil {
		t.Errorf("unrelated submit: %v", err)
	}

	close(gate)
	collectEvents(t, events)

	// The lease is released on completion, so resubmission works.
	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Errorf("resubmit after completion: %v", err)
	}
}

func TestPipelineCancelStopsRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	p, store := newTestPipeline(t,
		&fakeSampler{frames: testFrames(3), gate: gate},
		&fakeDetector{fn: steadyDetection},
		&fakeEnhancer{}, &fakeMatcher{})

	events, cancel := p.Broker().Subscribe("vid-1")
	defer cancel()

	if _, err := p.Submit(context.Background(), "vid-1", "clip.mp4"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !p.Cancel("vid-1") {
		t.Fatal("cancel reported no active run")
	}
	collectEvents(t, events)

	job, _ := store.GetByID(context.Background(), "vid-1")
	if job.Status != models.StatusFailed {
		t.Errorf("status after cancel = %s, want failed", job.Status)
	}

	if p.Cancel("vid-1") {
		t.Error("cancel after completion reported an active run")
	}
}

func TestBrokerSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("vid")
	defer cancel()

	// Far more events than the buffer holds; publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(models.ProgressEvent{VideoID: "vid", ProgressPercent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The subscriber still sees the oldest buffered events in order.
	first := <-ch
	second := <-ch
	if second.ProgressPercent <= first.ProgressPercent {
		t.Errorf("events out of order: %d then %d", first.ProgressPercent, second.ProgressPercent)
	}
}

func TestBrokerCloseTopicEndsStreams(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("vid")

	b.CloseTopic("vid")

	if _, ok := <-ch; ok {
		t.Error("channel still open after CloseTopic")
	}
	cancel() // safe after close
}
