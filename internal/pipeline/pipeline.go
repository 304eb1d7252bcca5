// Package pipeline orchestrates the per-video processing state machine:
// sampling, detection and tracking, cropping, vision enhancement, and
// product matching, with persisted status and live progress events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/cropper"
	"github.com/lokalshop/engine/internal/detection"
	"github.com/lokalshop/engine/internal/models"
	"github.com/lokalshop/engine/internal/storage"
)

// Capability interfaces for the stages the orchestrator sequences. Concrete
// implementations live in their own packages; tests inject fakes.
type (
	FrameSampler interface {
		Sample(ctx context.Context, videoID, videoPath string) ([]models.Frame, error)
	}

	ObjectCropper interface {
		CropTracks(frames []models.Frame, tracks []models.Track) cropper.Result
	}

	LabelEnhancer interface {
		Enhance(ctx context.Context, videoID string, crops []models.Crop) ([]models.EnhancedLabel, int)
	}

	ProductMatcher interface {
		Match(ctx context.Context, labels []string) ([]models.ProductMatch, error)
	}

	JobStore interface {
		Save(ctx context.Context, job *models.VideoJob) error
		GetByID(ctx context.Context, id string) (*models.VideoJob, error)
		List(ctx context.Context, limit int) ([]*models.VideoJob, error)
	}
)

// Progress weights per stage, cumulative. Progress is monotone: a transition
// never lowers the reported percentage.
var stageProgress = map[models.JobStatus]int{
	models.StatusQueued:    0,
	models.StatusSampling:  10,
	models.StatusDetecting: 30,
	models.StatusCropping:  55,
	models.StatusEnhancing: 70,
	models.StatusMatching:  90,
	models.StatusCompleted: 100,
}

type Pipeline struct {
	cfg      *config.Config
	sampler  FrameSampler
	detector detection.Detector
	cropper  ObjectCropper
	enhancer LabelEnhancer
	matcher  ProductMatcher
	jobs     JobStore
	storage  storage.Storage
	broker   *Broker

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(
	cfg *config.Config,
	sampler FrameSampler,
	detector detection.Detector,
	objCropper ObjectCropper,
	enhancer LabelEnhancer,
	matcher ProductMatcher,
	jobs JobStore,
	store storage.Storage,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		sampler:  sampler,
		detector: detector,
		cropper:  objCropper,
		enhancer: enhancer,
		matcher:  matcher,
		jobs:     jobs,
		storage:  store,
		broker:   NewBroker(),
		active:   make(map[string]context.CancelFunc),
	}
}

// Broker exposes the progress event stream for subscription endpoints.
func (p *Pipeline) Broker() *Broker {
	return p.broker
}

// Submit registers a video and starts its pipeline run in the background.
// A second submission while the first run is active is rejected with
// ErrAlreadyProcessing; the single-run lease is held until the job reaches a
// terminal state.
func (p *Pipeline) Submit(ctx context.Context, videoID, sourceRef string) (*models.VideoJob, error) {
	if videoID == "" {
		videoID = uuid.New().String()
	}

	// The run outlives the submit request, so it gets its own context.
	runCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if _, busy := p.active[videoID]; busy {
		p.mu.Unlock()
		cancel()
		return nil, models.ErrAlreadyProcessing
	}
	p.active[videoID] = cancel
	p.mu.Unlock()

	job := models.NewVideoJob(videoID, sourceRef)
	if err := p.jobs.Save(ctx, job); err != nil {
		p.release(videoID)
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	p.publish(job, "queued for processing")
	go p.run(runCtx, job)

	return job, nil
}

// Cancel requests cancellation of an active run. The check happens at stage
// boundaries; in-flight external calls for the current stage finish and are
// discarded.
func (p *Pipeline) Cancel(videoID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[videoID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetJob returns the persisted snapshot for a video.
func (p *Pipeline) GetJob(ctx context.Context, videoID string) (*models.VideoJob, error) {
	return p.jobs.GetByID(ctx, videoID)
}

// ListJobs returns the most recent jobs, newest first.
func (p *Pipeline) ListJobs(ctx context.Context, limit int) ([]*models.VideoJob, error) {
	return p.jobs.List(ctx, limit)
}

func (p *Pipeline) release(videoID string) {
	p.mu.Lock()
	if cancel, ok := p.active[videoID]; ok {
		cancel()
		delete(p.active, videoID)
	}
	p.mu.Unlock()
}

// run drives one job through the state machine. Fatal errors in sampling or
// detecting fail the job; anything fatal after that degrades it to
// detector-only results instead of losing the video entirely.
func (p *Pipeline) run(ctx context.Context, job *models.VideoJob) {
	start := time.Now()
	// Deferred in this order so the lease is already free when subscribers
	// observe the stream close; an immediate resubmission must succeed.
	defer p.broker.CloseTopic(job.ID)
	defer p.release(job.ID)

	result := &models.JobResult{}
	detectionDone := false

	defer func() {
		if r := recover(); r == nil {
			return
		} else if detectionDone {
			log.Error().Str("video_id", job.ID).Interface("panic", r).Msg("stage panicked, degrading to detector-only results")
			p.completeDegraded(job, result, start)
		} else {
			p.fail(job, fmt.Errorf("internal error: %v", r))
		}
	}()

	// Sampling.
	p.transition(job, models.StatusSampling, "extracting frames")
	videoPath, err := p.storage.FilePath(job.SourceRef)
	if err != nil {
		p.fail(job, fmt.Errorf("%w: %v", models.ErrSourceUnreadable, err))
		return
	}
	frames, err := p.sampler.Sample(ctx, job.ID, videoPath)
	if err != nil {
		p.fail(job, err)
		return
	}
	result.FramesSampled = len(frames)

	if p.cancelled(ctx, job) {
		return
	}

	// Detection and tracking.
	p.transition(job, models.StatusDetecting, fmt.Sprintf("detecting objects in %d frames", len(frames)))
	perFrame, err := p.detectAll(ctx, frames)
	if err != nil {
		p.fail(job, err)
		return
	}

	// Association is strictly sequential: each frame's matching depends on
	// the previous frame's track states.
	tracker := detection.NewTracker(p.cfg.Tracker)
	for i := range perFrame {
		perFrame[i] = tracker.Observe(perFrame[i])
	}
	result.Objects = detection.Aggregate(perFrame)
	result.TracksTotal = tracker.TrackCount()
	detectionDone = true

	if p.cancelled(ctx, job) {
		return
	}

	// Cropping.
	p.transition(job, models.StatusCropping, "cropping confirmed objects")
	confirmed := tracker.ConfirmedTracks()
	cropRes := p.cropper.CropTracks(frames, confirmed)
	result.CropsRejected = cropRes.Rejected
	frames = nil // frame pixels are no longer needed

	if p.cancelled(ctx, job) {
		return
	}

	// Enhancement. Failures inside are absorbed per batch; the stage itself
	// cannot fail the job.
	p.transition(job, models.StatusEnhancing, fmt.Sprintf("enhancing %d crops", len(cropRes.Crops)))
	labels, calls := p.enhancer.Enhance(ctx, job.ID, cropRes.Crops)
	result.Labels = labels
	log.Debug().Str("video_id", job.ID).Int("ai_calls", calls).Int("labels", len(labels)).Msg("enhancement finished")

	if p.cancelled(ctx, job) {
		return
	}

	// Matching.
	p.transition(job, models.StatusMatching, "matching products")
	matches, err := p.matcher.Match(ctx, p.labelSet(result))
	if err != nil {
		log.Error().Str("video_id", job.ID).Err(err).Msg("matching failed, degrading to detector-only results")
		p.completeDegraded(job, result, start)
		return
	}
	result.Matches = matches

	result.ProcessingTime = time.Since(start)
	p.complete(job, result, false, "processing complete")
}

// labelSet builds the matching input: enhanced names where available,
// detector classes otherwise. Videos with no confirmed tracks fall back to
// the whole-video object list so a noisy clip still gets product results.
func (p *Pipeline) labelSet(result *models.JobResult) []string {
	var labels []string
	for _, l := range result.Labels {
		labels = append(labels, detection.NormalizeClassName(l.Final()))
	}
	if len(labels) == 0 {
		for _, obj := range result.Objects {
			labels = append(labels, obj.ClassName)
		}
	}
	return labels
}

// detectAll runs detection across frames on a bounded worker pool. A frame
// whose detection errors is skipped; an unreachable engine is fatal for the
// whole job.
func (p *Pipeline) detectAll(ctx context.Context, frames []models.Frame) ([][]models.Detection, error) {
	results := make([][]models.Detection, len(frames))
	errs := make([]error, len(frames))

	workers := p.cfg.Detector.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range frames {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Detector.Timeout)
			defer cancel()

			dets, err := p.detector.Detect(callCtx, frames[i],
				p.cfg.Detector.ConfidenceThreshold, p.cfg.Detector.ClassAllowList)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = dets
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, models.ErrDetectorUnavailable) {
			return nil, err
		}
		log.Warn().Int("frame", i).Err(err).Msg("detection failed for frame, skipping")
	}

	return results, nil
}

// completeDegraded finishes the job on detector-only results after a fatal
// post-detection failure: matching runs directly on the aggregated class
// names, and the job completes with the degraded flag instead of failing.
func (p *Pipeline) completeDegraded(job *models.VideoJob, result *models.JobResult, start time.Time) {
	var labels []string
	for _, obj := range result.Objects {
		labels = append(labels, obj.ClassName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	matches, err := p.matcher.Match(ctx, labels)
	if err != nil {
		log.Error().Str("video_id", job.ID).Err(err).Msg("detector-only matching failed as well")
		matches = []models.ProductMatch{}
	}

	result.Matches = matches
	result.Labels = nil
	result.ProcessingTime = time.Since(start)
	p.complete(job, result, true, "completed with detector-only results")
}

func (p *Pipeline) complete(job *models.VideoJob, result *models.JobResult, degraded bool, message string) {
	job.Status = models.StatusCompleted
	job.CurrentStage = string(models.StatusCompleted)
	job.ProgressPercent = stageProgress[models.StatusCompleted]
	job.Degraded = degraded
	job.Result = result
	job.UpdatedAt = time.Now().UTC()
	p.persist(job)
	p.publish(job, message)

	log.Info().
		Str("video_id", job.ID).
		Bool("degraded", degraded).
		Int("matches", len(result.Matches)).
		Dur("took", result.ProcessingTime).
		Msg("pipeline completed")
}

func (p *Pipeline) fail(job *models.VideoJob, err error) {
	job.Status = models.StatusFailed
	job.Error = err.Error()
	job.UpdatedAt = time.Now().UTC()
	p.persist(job)
	p.publish(job, "processing failed")

	log.Error().Str("video_id", job.ID).Err(err).Msg("pipeline failed")
}

// cancelled checks the stage boundary for a cancellation request and, if one
// arrived, fails the job with a cancellation reason.
func (p *Pipeline) cancelled(ctx context.Context, job *models.VideoJob) bool {
	if ctx.Err() == nil {
		return false
	}
	p.fail(job, fmt.Errorf("cancelled by caller"))
	return true
}

// transition advances the state machine: persist the snapshot, then publish
// the progress event, then let the stage proceed.
func (p *Pipeline) transition(job *models.VideoJob, status models.JobStatus, message string) {
	job.Status = status
	job.CurrentStage = string(status)
	if weight := stageProgress[status]; weight > job.ProgressPercent {
		job.ProgressPercent = weight
	}
	job.UpdatedAt = time.Now().UTC()
	p.persist(job)
	p.publish(job, message)
}

func (p *Pipeline) persist(job *models.VideoJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.jobs.Save(ctx, job); err != nil {
		// Status queries degrade to stale snapshots; the run itself goes on.
		log.Error().Str("video_id", job.ID).Err(err).Msg("failed to persist job snapshot")
	}
}

func (p *Pipeline) publish(job *models.VideoJob, message string) {
	p.broker.Publish(models.ProgressEvent{
		VideoID:         job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		Message:         message,
		Degraded:        job.Degraded,
		Error:           job.Error,
		Timestamp:       time.Now().UTC(),
	})
}
