package detection

import (
	"testing"

	"github.com/lokalshop/engine/internal/models"
)

func TestAggregateCountsAndOrders(t *testing.T) {
	perFrame := [][]models.Detection{
		{det("chair", 0.8, 0, 0, 0.1, 0.1), det("shoe", 0.9, 0, 0, 0.1, 0.1)},
		{det("chair", 0.6, 0, 0, 0.1, 0.1)},
		{det("chair", 0.7, 0, 0, 0.1, 0.1), det("shoe", 0.5, 0, 0, 0.1, 0.1)},
	}

	got := Aggregate(perFrame)
	if len(got) != 2 {
		t.Fatalf("summaries = %d, want 2", len(got))
	}

	if got[0].ClassName != "chair" || got[0].Frequency != 3 {
		t.Errorf("top summary = %+v, want chair with frequency 3", got[0])
	}
	if want := (0.8 + 0.6 + 0.7) / 3; got[0].AvgConfidence != want {
		t.Errorf("chair avg confidence = %v, want %v", got[0].AvgConfidence, want)
	}

	// "shoe" is normalized to its product-facing name.
	if got[1].ClassName != "sneakers" || got[1].Frequency != 2 {
		t.Errorf("second summary = %+v, want sneakers with frequency 2", got[1])
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	if got := Aggregate(nil); len(got) != 0 {
		t.Errorf("summaries = %d, want 0", len(got))
	}
}
