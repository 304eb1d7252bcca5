package detection

import (
	"sort"

	"github.com/lokalshop/engine/internal/models"
)

// Aggregate collapses per-frame detections into a whole-video object list:
// one entry per class with its frame frequency and mean confidence. This is
// both the result summary and the label source for detector-only degraded
// completions.
func Aggregate(perFrame [][]models.Detection) []models.ObjectSummary {
	counts := make(map[string]int)
	confidenceSums := make(map[string]float64)

	for _, frameDetections := range perFrame {
		for _, det := range frameDetections {
			name := NormalizeClassName(det.ClassName)
			counts[name]++
			confidenceSums[name] += det.Confidence
		}
	}

	summaries := make([]models.ObjectSummary, 0, len(counts))
	for name, count := range counts {
		summaries = append(summaries, models.ObjectSummary{
			ClassName:     name,
			Frequency:     count,
			AvgConfidence: confidenceSums[name] / float64(count),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Frequency != summaries[j].Frequency {
			return summaries[i].Frequency > summaries[j].Frequency
		}
		if summaries[i].AvgConfidence != summaries[j].AvgConfidence {
			return summaries[i].AvgConfidence > summaries[j].AvgConfidence
		}
		return summaries[i].ClassName < summaries[j].ClassName
	})

	return summaries
}
