package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VideoEventsHandler streams progress events for a video over SSE. If the job
// is already terminal when the client connects, a single event synthesized
// from the persisted snapshot is sent and the stream ends.
func (a *App) VideoEventsHandler(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	job, err := a.Pipeline.GetJob(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if job.Status.Terminal() {
		writeSSE(w, flusher, snapshotEvent(job))
		return
	}

	events, cancel := a.Pipeline.Broker().Subscribe(videoID)
	defer cancel()

	// The job may have finished between the snapshot read and the
	// subscription; re-check so the client is not left hanging.
	job, err = a.Pipeline.GetJob(r.Context(), videoID)
	if err == nil && job.Status.Terminal() {
		writeSSE(w, flusher, snapshotEvent(job))
		return
	}

	clientGone := r.Context().Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Status.Terminal() {
				return
			}

		case <-clientGone:
			return
		}
	}
}

// VideoSocketHandler streams the same progress events over a WebSocket for
// clients that cannot use SSE. The connection closes after the terminal event.
func (a *App) VideoSocketHandler(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	job, err := a.Pipeline.GetJob(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("video_id", videoID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if job.Status.Terminal() {
		_ = conn.WriteJSON(snapshotEvent(job))
		return
	}

	events, cancel := a.Pipeline.Broker().Subscribe(videoID)
	defer cancel()

	job, err = a.Pipeline.GetJob(r.Context(), videoID)
	if err == nil && job.Status.Terminal() {
		_ = conn.WriteJSON(snapshotEvent(job))
		return
	}

	// Reader goroutine only to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

		case <-done:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev models.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal progress event")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, data)
	flusher.Flush()
}

// snapshotEvent rebuilds the terminal progress event from a persisted job so
// late subscribers still receive the outcome.
func snapshotEvent(job *models.VideoJob) models.ProgressEvent {
	msg := "processing complete"
	if job.Status == models.StatusFailed {
		msg = "processing failed"
	}
	return models.ProgressEvent{
		VideoID:         job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		Message:         msg,
		Degraded:        job.Degraded,
		Error:           job.Error,
		Timestamp:       job.UpdatedAt,
	}
}
