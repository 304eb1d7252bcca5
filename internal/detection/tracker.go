package detection

import (
	"sort"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

// Tracker assigns persistent identities to detections across frames using
// greedy IoU association. It is not safe for concurrent use: frame order is
// the one hard ordering constraint of the pipeline, so Observe must be called
// with frames in sequence.
type Tracker struct {
	cfg    config.TrackerConfig
	tracks []*track
	nextID int
}

type track struct {
	id            int
	state         models.TrackState
	className     string
	lastBBox      models.BBox
	hits          int
	age           int
	missedFrames  int
	lostFrames    int
	bestDetection models.Detection
}

func NewTracker(cfg config.TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Observe associates one frame's detections with existing tracks. Returned
// detections carry their assigned track ids. The association is greedy: the
// highest-IoU pairing above the threshold wins, ties broken by detection
// confidence, and class names must match.
func (t *Tracker) Observe(detections []models.Detection) []models.Detection {
	type pair struct {
		trackIdx int
		detIdx   int
		iou      float64
	}

	var pairs []pair
	for ti, tr := range t.tracks {
		if tr.state == models.TrackLost {
			continue
		}
		for di, det := range detections {
			if det.ClassName != tr.className {
				continue
			}
			if iou := tr.lastBBox.IoU(det.BBox); iou >= t.cfg.IoUThreshold {
				pairs = append(pairs, pair{trackIdx: ti, detIdx: di, iou: iou})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		return detections[pairs[i].detIdx].Confidence > detections[pairs[j].detIdx].Confidence
	})

	matchedTracks := make(map[int]bool)
	matchedDets := make(map[int]bool)
	out := make([]models.Detection, len(detections))
	copy(out, detections)

	for _, p := range pairs {
		if matchedTracks[p.trackIdx] || matchedDets[p.detIdx] {
			continue
		}
		matchedTracks[p.trackIdx] = true
		matchedDets[p.detIdx] = true

		tr := t.tracks[p.trackIdx]
		tr.update(out[p.detIdx], t.cfg.MinHitsToConfirm)
		out[p.detIdx].TrackID = tr.id
	}

	// Unmatched tracks age; past MaxAge they transition to lost and stop
	// participating in association. Lost tracks linger for a grace window so
	// their crops survive, then are purged for good. Ids are never reused.
	for ti, tr := range t.tracks {
		if tr.state == models.TrackLost {
			tr.lostFrames++
			continue
		}
		if !matchedTracks[ti] {
			tr.missed(t.cfg.MaxAgeWithoutMatch)
		}
		tr.age++
	}
	t.purge()

	// Unmatched detections spawn new tentative tracks.
	for di := range out {
		if matchedDets[di] {
			continue
		}
		tr := &track{
			id:            t.nextID,
			state:         models.TrackTentative,
			className:     out[di].ClassName,
			lastBBox:      out[di].BBox,
			hits:          1,
			bestDetection: out[di],
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		out[di].TrackID = tr.id
	}

	return out
}

func (tr *track) update(det models.Detection, minHits int) {
	tr.lastBBox = det.BBox
	tr.hits++
	tr.missedFrames = 0
	if det.Confidence > tr.bestDetection.Confidence {
		tr.bestDetection = det
	}
	if tr.state == models.TrackTentative && tr.hits >= minHits {
		tr.state = models.TrackConfirmed
	}
}

func (tr *track) missed(maxAge int) {
	tr.missedFrames++
	if tr.state == models.TrackTentative {
		// A gap breaks the consecutive-hit streak.
		tr.hits = 0
	}
	if tr.missedFrames > maxAge {
		tr.state = models.TrackLost
	}
}

func (t *Tracker) purge() {
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.state == models.TrackLost && tr.lostFrames > t.cfg.LostGraceFrames {
			continue
		}
		kept = append(kept, tr)
	}
	t.tracks = kept
}

// ConfirmedTracks returns all tracks that reached the confirmed state,
// including ones that have since been lost. Only these are eligible for
// cropping; tentative tracks are single-frame noise until proven otherwise.
func (t *Tracker) ConfirmedTracks() []models.Track {
	var out []models.Track
	for _, tr := range t.tracks {
		if tr.state == models.TrackTentative {
			continue
		}
		if tr.state == models.TrackLost && tr.hits < t.cfg.MinHitsToConfirm {
			continue
		}
		out = append(out, models.Track{
			ID:            tr.id,
			State:         tr.state,
			Hits:          tr.hits,
			Age:           tr.age,
			LastClassName: tr.className,
			BestDetection: tr.bestDetection,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TrackCount returns how many identities the tracker has created so far.
func (t *Tracker) TrackCount() int {
	return t.nextID - 1
}
