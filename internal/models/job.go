package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusSampling  JobStatus = "sampling"
	StatusDetecting JobStatus = "detecting"
	StatusCropping  JobStatus = "cropping"
	StatusEnhancing JobStatus = "enhancing"
	StatusMatching  JobStatus = "matching"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// VideoJob is the per-video unit of work. It is owned by the pipeline and
// mutated only on stage transitions; everyone else sees snapshots.
type VideoJob struct {
	ID              string     `json:"id"`
	SourceRef       string     `json:"source_ref"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	CurrentStage    string     `json:"current_stage"`
	Degraded        bool       `json:"degraded"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Result          *JobResult `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func NewVideoJob(id, sourceRef string) *VideoJob {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return &VideoJob{
		ID:           id,
		SourceRef:    sourceRef,
		Status:       StatusQueued,
		CurrentStage: string(StatusQueued),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// JobResult is what a completed job carries: the per-class summary of what
// was seen across the whole video, the final label set, and ranked products.
type JobResult struct {
	FramesSampled  int             `json:"frames_sampled"`
	TracksTotal    int             `json:"tracks_total"`
	CropsRejected  int             `json:"crops_rejected"`
	Objects        []ObjectSummary `json:"objects"`
	Labels         []EnhancedLabel `json:"labels"`
	Matches        []ProductMatch  `json:"matches"`
	ProcessingTime time.Duration   `json:"processing_time"`
}

// ObjectSummary aggregates one detected class across every sampled frame.
type ObjectSummary struct {
	ClassName     string  `json:"class_name"`
	Frequency     int     `json:"frequency"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// ProgressEvent is one element of the per-video progress stream.
type ProgressEvent struct {
	VideoID         string    `json:"video_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message"`
	Degraded        bool      `json:"degraded,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
