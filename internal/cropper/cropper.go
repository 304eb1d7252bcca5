// Package cropper extracts normalized image regions for confirmed tracks.
package cropper

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

type Cropper struct {
	cfg config.CropperConfig
}

func New(cfg config.CropperConfig) *Cropper {
	return &Cropper{cfg: cfg}
}

// Result carries the surviving crops plus how many were rejected by the size
// filter. Rejection is cost control, not an error.
type Result struct {
	Crops    []models.Crop
	Rejected int
}

// CropTracks extracts one crop per confirmed track from the frame holding its
// best detection. Regions are margin-expanded, clamped to frame bounds,
// re-encoded as bounded-quality JPEG, and dropped silently when outside the
// size limits.
func (c *Cropper) CropTracks(frames []models.Frame, tracks []models.Track) Result {
	frameByIndex := make(map[int]*models.Frame, len(frames))
	for i := range frames {
		frameByIndex[frames[i].Index] = &frames[i]
	}

	var res Result
	for _, tr := range tracks {
		frame, ok := frameByIndex[tr.BestDetection.FrameIndex]
		if !ok || len(frame.Data) == 0 {
			res.Rejected++
			continue
		}

		crop, err := c.cropOne(frame, tr)
		if err != nil {
			log.Debug().Int("track_id", tr.ID).Err(err).Msg("crop rejected")
			res.Rejected++
			continue
		}
		res.Crops = append(res.Crops, crop)
	}

	return res
}

func (c *Cropper) cropOne(frame *models.Frame, tr models.Track) (models.Crop, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return models.Crop{}, fmt.Errorf("decoding frame %d: %w", frame.Index, err)
	}

	bounds := img.Bounds()
	rect := pixelRect(tr.BestDetection.BBox, bounds.Dx(), bounds.Dy(), c.cfg.MarginFrac)
	if rect.Empty() {
		return models.Crop{}, fmt.Errorf("empty region for track %d", tr.ID)
	}

	region := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(region, region.Bounds(), img, rect.Min.Add(bounds.Min), draw.Src)

	w, h := rect.Dx(), rect.Dy()
	longest := max(w, h)
	if longest < c.cfg.MinCropSize {
		return models.Crop{}, fmt.Errorf("crop %dx%d below minimum %d", w, h, c.cfg.MinCropSize)
	}

	// Oversized regions are scaled down instead of rejected: the maximum is a
	// transfer-cost bound, not a quality judgement.
	out := image.Image(region)
	if longest > c.cfg.MaxCropSize {
		scale := float64(c.cfg.MaxCropSize) / float64(longest)
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), region, region.Bounds(), draw.Over, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
		return models.Crop{}, fmt.Errorf("encoding crop: %w", err)
	}

	return models.Crop{
		TrackID:    tr.ID,
		ClassName:  tr.LastClassName,
		Confidence: tr.BestDetection.Confidence,
		Width:      w,
		Height:     h,
		SizeBytes:  buf.Len(),
		Data:       buf.Bytes(),
	}, nil
}

// pixelRect converts a fractional bbox to pixels, expands it by margin on
// every side and clamps it to the frame.
func pixelRect(b models.BBox, frameW, frameH int, margin float64) image.Rectangle {
	x := (b.X - b.W*margin) * float64(frameW)
	y := (b.Y - b.H*margin) * float64(frameH)
	w := b.W * (1 + 2*margin) * float64(frameW)
	h := b.H * (1 + 2*margin) * float64(frameH)

	rect := image.Rect(int(x), int(y), int(x+w), int(y+h))
	return rect.Intersect(image.Rect(0, 0, frameW, frameH))
}
