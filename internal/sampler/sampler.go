// Package sampler extracts a budgeted set of evenly spaced frames from a
// source video by shelling out to ffmpeg/ffprobe.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

type Sampler struct {
	cfg         config.SamplerConfig
	ffmpegPath  string
	ffprobePath string
	tempDir     string
}

func New(cfg config.SamplerConfig) (*Sampler, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	// ffprobe is optional; duration falls back to ffmpeg stderr parsing.
	ffprobePath, _ := exec.LookPath("ffprobe")

	tempDir := filepath.Join(os.TempDir(), "lokal-frames")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &Sampler{
		cfg:         cfg,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
	}, nil
}

// Sample extracts at most min(duration*maxFPS, maxFrames) frames, evenly
// spaced across the video, each resized to fit the configured dimensions.
// An undecodable source is fatal: no partial frame set is returned.
func (s *Sampler) Sample(ctx context.Context, videoID, videoPath string) ([]models.Frame, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnreadable, err)
	}

	duration, err := s.videoDuration(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnreadable, err)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: invalid duration %f", models.ErrSourceUnreadable, duration)
	}

	count := FrameCount(duration, s.cfg.MaxFPS, s.cfg.MaxFrames)
	timestamps := Timestamps(duration, count)

	log.Debug().
		Str("video_id", videoID).
		Float64("duration_s", duration).
		Int("frames", count).
		Msg("sampling frames")

	frames := make([]models.Frame, 0, count)
	for i, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, w, h, err := s.extractFrame(ctx, videoPath, ts)
		if err != nil {
			log.Warn().Str("video_id", videoID).Int("frame", i).Err(err).Msg("frame extraction failed")
			continue
		}
		frames = append(frames, models.Frame{
			VideoID:     videoID,
			Index:       i,
			TimestampMs: int64(ts * 1000),
			Width:       w,
			Height:      h,
			Data:        data,
		})
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames could be extracted", models.ErrSourceUnreadable)
	}

	return frames, nil
}

// FrameCount applies the sampling budget: min(duration*fps, maxFrames), at
// least one frame for any decodable video.
func FrameCount(durationSeconds, maxFPS float64, maxFrames int) int {
	count := int(durationSeconds * maxFPS)
	if count < 1 {
		count = 1
	}
	if count > maxFrames {
		count = maxFrames
	}
	return count
}

// Timestamps spreads count extraction points evenly across the duration,
// avoiding the very first and last instants.
func Timestamps(durationSeconds float64, count int) []float64 {
	interval := durationSeconds / float64(count+1)
	ts := make([]float64, count)
	for i := 0; i < count; i++ {
		ts[i] = interval * float64(i+1)
	}
	return ts
}

func (s *Sampler) videoDuration(ctx context.Context, videoPath string) (float64, error) {
	if s.ffprobePath != "" {
		cmd := exec.CommandContext(ctx, s.ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			videoPath)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout

		if err := cmd.Run(); err == nil {
			durationStr := strings.TrimSpace(stdout.String())
			if duration, err := strconv.ParseFloat(durationStr, 64); err == nil && duration > 0 {
				return duration, nil
			}
		}
	}

	// Fallback: parse the "Duration: HH:MM:SS.ss" line from ffmpeg stderr.
	cmd := exec.CommandContext(ctx, s.ffmpegPath, "-i", videoPath, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()

	output := stderr.String()
	const durationPrefix = "Duration: "
	startIndex := strings.Index(output, durationPrefix)
	if startIndex == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}

	startIndex += len(durationPrefix)
	endIndex := strings.Index(output[startIndex:], ",")
	if endIndex == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}

	parts := strings.Split(output[startIndex:startIndex+endIndex], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", output[startIndex:startIndex+endIndex])
	}

	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}

	return hours*3600 + minutes*60 + seconds, nil
}

func (s *Sampler) extractFrame(ctx context.Context, videoPath string, timestamp float64) ([]byte, int, int, error) {
	tempFile := filepath.Join(s.tempDir, fmt.Sprintf("frame_%f.jpg", timestamp))
	defer os.Remove(tempFile)

	// force_original_aspect_ratio=decrease fits the frame inside the target
	// box without distorting it.
	scale := fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease",
		s.cfg.MaxWidth, s.cfg.MaxHeight)

	args := []string{
		"-ss", fmt.Sprintf("%.2f", timestamp),
		"-i", videoPath,
		"-vframes", "1",
		"-vf", scale,
		"-q:v", "2",
		"-f", "mjpeg",
		tempFile,
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to extract frame at %.2f: %w (%s)",
			timestamp, err, strings.TrimSpace(stderr.String()))
	}

	file, err := os.Open(tempFile)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open extracted frame: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode frame: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %w", err)
	}

	bounds := img.Bounds()
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

func (s *Sampler) Cleanup() error {
	return os.RemoveAll(s.tempDir)
}
