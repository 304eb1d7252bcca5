// Package enhance refines generic detector labels into specific product
// names via an external vision model, under a strict per-video call budget.
package enhance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/cache"
	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

type Enhancer struct {
	cfg    config.EnhancerConfig
	client VisionClient
	cache  *cache.TieredCache
}

func New(cfg config.EnhancerConfig, client VisionClient, c *cache.TieredCache) *Enhancer {
	return &Enhancer{cfg: cfg, client: client, cache: c}
}

// Enhance returns one label per crop. Candidates (confident enough, class on
// the allow-list) are batched to the vision model until the call budget runs
// out; everything else keeps its detector label. A failed batch falls back to
// detector labels for its crops only; enhancement never aborts the pipeline.
// The external call count never exceeds the configured budget, no matter how
// many crops arrive.
func (e *Enhancer) Enhance(ctx context.Context, videoID string, crops []models.Crop) ([]models.EnhancedLabel, int) {
	labels := make([]models.EnhancedLabel, len(crops))
	for i, crop := range crops {
		labels[i] = models.EnhancedLabel{
			TrackID:           crop.TrackID,
			OriginalClassName: crop.ClassName,
			Source:            models.SourceDetector,
		}
	}

	if e.client == nil || e.cfg.MaxCalls < 0 {
		return labels, 0
	}

	allow := make(map[string]bool, len(e.cfg.AllowList))
	for _, c := range e.cfg.AllowList {
		allow[c] = true
	}

	var candidates []int
	for i, crop := range crops {
		if crop.Confidence >= e.cfg.FilterThreshold && allow[crop.ClassName] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return labels, 0
	}

	batchSize := e.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	var batches [][]int
	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		batches = append(batches, candidates[start:end])
	}

	// Cache pass first: hits are free and do not consume budget.
	var missed [][]int
	for _, batch := range batches {
		if e.applyCached(ctx, crops, batch, labels) {
			continue
		}
		missed = append(missed, batch)
	}

	// The budget governor: only this truncation decides how many external
	// calls happen, so the cap holds regardless of candidate count.
	if len(missed) > e.cfg.MaxCalls {
		for _, batch := range missed[e.cfg.MaxCalls:] {
			log.Debug().Str("video_id", videoID).Int("crops", len(batch)).
				Msg("enhancement budget exhausted, keeping detector labels")
		}
		missed = missed[:e.cfg.MaxCalls]
	}
	if len(missed) == 0 {
		return labels, 0
	}

	parallelism := e.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, parallelism)
		mu  sync.Mutex
	)
	for _, batch := range missed {
		wg.Add(1)
		go func(batch []int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results := e.callBatch(ctx, videoID, crops, batch)
			if results == nil {
				return
			}
			mu.Lock()
			for pos, cropIdx := range batch {
				if name := results[pos]; name != "" {
					labels[cropIdx].EnhancedName = name
					labels[cropIdx].Source = models.SourceVisionAI
				}
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	return labels, len(missed)
}

// callBatch performs one external call and caches its result. Returns nil on
// any failure; the batch's crops then keep their detector labels.
func (e *Enhancer) callBatch(ctx context.Context, videoID string, crops []models.Crop, batch []int) []string {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	items := make([]BatchItem, len(batch))
	for pos, cropIdx := range batch {
		items[pos] = BatchItem{
			Index:      pos,
			ClassHint:  crops[cropIdx].ClassName,
			Confidence: crops[cropIdx].Confidence,
			ImageData:  crops[cropIdx].Data,
		}
	}

	results, err := e.client.IdentifyBatch(ctx, items)
	if err != nil {
		log.Warn().Str("video_id", videoID).Int("crops", len(batch)).Err(err).
			Msg("enhancement batch failed, keeping detector labels")
		return nil
	}

	names := make([]string, len(batch))
	for _, r := range results {
		if r.Index >= 0 && r.Index < len(names) {
			names[r.Index] = r.Name
		}
	}

	if e.cache != nil {
		if data, err := json.Marshal(names); err == nil {
			e.cache.Set(ctx, cache.ClassDetection, e.batchKey(crops, batch), data)
		}
	}

	return names
}

// applyCached fills a batch's labels from cache. Cached names carry
// Source=cache so consumers can tell a fresh model answer from a replay.
func (e *Enhancer) applyCached(ctx context.Context, crops []models.Crop, batch []int, labels []models.EnhancedLabel) bool {
	if e.cache == nil {
		return false
	}

	data, ok := e.cache.Get(ctx, cache.ClassDetection, e.batchKey(crops, batch))
	if !ok {
		return false
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil || len(names) != len(batch) {
		return false
	}

	for pos, cropIdx := range batch {
		if names[pos] != "" {
			labels[cropIdx].EnhancedName = names[pos]
			labels[cropIdx].Source = models.SourceCache
		}
	}
	return true
}

// batchKey fingerprints a batch by crop content and detector labels, so the
// same crops asked the same question hit the same entry.
func (e *Enhancer) batchKey(crops []models.Crop, batch []int) string {
	h := sha256.New()
	for _, cropIdx := range batch {
		h.Write(crops[cropIdx].Data)
		fmt.Fprintf(h, "|%s", crops[cropIdx].ClassName)
	}
	return "enhance:" + hex.EncodeToString(h.Sum(nil))
}
