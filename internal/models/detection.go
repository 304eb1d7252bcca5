package models

// Frame is one sampled still. Data is the JPEG-encoded image; it is dropped
// once the frame has been consumed downstream to bound memory.
type Frame struct {
	VideoID     string
	Index       int
	TimestampMs int64
	Width       int
	Height      int
	Data        []byte
}

// BBox is a bounding box in fractions of the frame size, all values in [0,1].
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// IoU returns the intersection-over-union overlap of two boxes.
func (b BBox) IoU(o BBox) float64 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.W, o.X+o.W)
	y2 := min(b.Y+b.H, o.Y+o.H)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.W*b.H + o.W*o.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one object found in one frame. TrackID is zero until the
// tracker associates the detection with an identity.
type Detection struct {
	FrameIndex int     `json:"frame_index"`
	BBox       BBox    `json:"bbox"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	TrackID    int     `json:"track_id,omitempty"`
}

type TrackState string

const (
	TrackTentative TrackState = "tentative"
	TrackConfirmed TrackState = "confirmed"
	TrackLost      TrackState = "lost"
)

// Track is an object identity persisted across frames.
type Track struct {
	ID            int        `json:"id"`
	State         TrackState `json:"state"`
	Hits          int        `json:"hits"`
	Age           int        `json:"age"`
	LastClassName string     `json:"last_class_name"`

	// Best detection observed so far, used for cropping.
	BestDetection Detection `json:"best_detection"`
}

// Crop is a re-encoded image region for one confirmed track.
type Crop struct {
	TrackID    int
	ClassName  string
	Confidence float64
	Width      int
	Height     int
	SizeBytes  int
	Data       []byte
}

type LabelSource string

const (
	SourceDetector LabelSource = "detector"
	SourceVisionAI LabelSource = "vision-ai"
	SourceCache    LabelSource = "cache"
)

// EnhancedLabel is the final name for one track: the vision model's specific
// name when enhancement succeeded, otherwise the detector's class.
type EnhancedLabel struct {
	TrackID           int         `json:"track_id"`
	OriginalClassName string      `json:"original_class_name"`
	EnhancedName      string      `json:"enhanced_name,omitempty"`
	Source            LabelSource `json:"source"`
}

// Final returns the name matching should use.
func (l EnhancedLabel) Final() string {
	if l.EnhancedName != "" {
		return l.EnhancedName
	}
	return l.OriginalClassName
}
