package models

import "errors"

// Job-fatal conditions. Everything else the pipeline absorbs into a
// degraded-but-completed result.
var (
	// ErrSourceUnreadable means the video could not be decoded at all.
	ErrSourceUnreadable = errors.New("video source unreadable")

	// ErrDetectorUnavailable means the detection engine itself is unreachable,
	// as opposed to a frame with no objects in it.
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

var (
	// ErrAlreadyProcessing rejects a second submission for a video that
	// already has an active pipeline run.
	ErrAlreadyProcessing = errors.New("video is already processing")

	ErrJobNotFound = errors.New("job not found")
)
