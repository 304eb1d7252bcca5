package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/matching"
	"github.com/lokalshop/engine/internal/models"
	"github.com/lokalshop/engine/internal/pipeline"
)

// App holds the dependencies shared by all HTTP handlers.
type App struct {
	Pipeline *pipeline.Pipeline
	Matcher  *matching.Matcher
}

func NewApp(p *pipeline.Pipeline, matcher *matching.Matcher) *App {
	return &App{Pipeline: p, Matcher: matcher}
}

func (a *App) PingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitVideoRequest struct {
	VideoID   string `json:"video_id,omitempty"`
	SourceRef string `json:"source_ref"`
}

type submitVideoResponse struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
}

// SubmitVideoHandler accepts a video for processing and returns immediately.
// A second submission for a video that is still running gets 409.
func (a *App) SubmitVideoHandler(w http.ResponseWriter, r *http.Request) {
	var req submitVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		writeError(w, http.StatusBadRequest, "source_ref is required")
		return
	}

	job, err := a.Pipeline.Submit(r.Context(), req.VideoID, req.SourceRef)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyProcessing) {
			writeError(w, http.StatusConflict, "video is already being processed")
			return
		}
		log.Error().Err(err).Str("source_ref", req.SourceRef).Msg("failed to submit video")
		writeError(w, http.StatusInternalServerError, "failed to submit video")
		return
	}

	writeJSON(w, http.StatusAccepted, submitVideoResponse{
		VideoID: job.ID,
		Status:  string(job.Status),
	})
}

// VideoStatusHandler returns the current snapshot of a job, including the
// final result once the job is terminal.
func (a *App) VideoStatusHandler(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	job, err := a.Pipeline.GetJob(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		log.Error().Err(err).Str("video_id", videoID).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (a *App) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	jobs, err := a.Pipeline.ListJobs(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"videos": jobs})
}

// CancelVideoHandler stops an in-flight job. Cancelling a job that already
// finished is a no-op and returns 404.
func (a *App) CancelVideoHandler(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	if !a.Pipeline.Cancel(videoID) {
		writeError(w, http.StatusNotFound, "no active job for video")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"video_id": videoID, "status": "cancelling"})
}

// ProductSearchHandler exposes catalog matching directly: given one or more
// labels it returns the ranked product matches the pipeline would produce.
func (a *App) ProductSearchHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("label")
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "label query parameter is required")
		return
	}
	labels := strings.Split(raw, ",")

	matches, err := a.Matcher.Match(r.Context(), labels)
	if err != nil {
		log.Error().Err(err).Strs("labels", labels).Msg("product search failed")
		writeError(w, http.StatusInternalServerError, "product search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
