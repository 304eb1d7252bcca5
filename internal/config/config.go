package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the engine. Thresholds that shape tracking
// and enhancement quality are deliberately configuration, not constants.
type Config struct {
	Port      int
	DBPath    string
	UploadDir string

	Sampler  SamplerConfig
	Detector DetectorConfig
	Tracker  TrackerConfig
	Cropper  CropperConfig
	Enhancer EnhancerConfig
	Cache    CacheConfig
	Matcher  MatcherConfig
}

type SamplerConfig struct {
	MaxFPS    float64
	MaxFrames int
	MaxWidth  int
	MaxHeight int
}

type DetectorConfig struct {
	BaseURL             string
	ConfidenceThreshold float64
	ClassAllowList      []string
	Timeout             time.Duration
	Workers             int
}

type TrackerConfig struct {
	IoUThreshold       float64
	MinHitsToConfirm   int
	MaxAgeWithoutMatch int
	LostGraceFrames    int
}

type CropperConfig struct {
	MarginFrac  float64
	MinCropSize int
	MaxCropSize int
	JPEGQuality int
}

type EnhancerConfig struct {
	APIKey          string
	Model           string
	MaxCalls        int
	BatchSize       int
	FilterThreshold float64
	AllowList       []string
	Timeout         time.Duration
	Parallelism     int
}

type CacheConfig struct {
	MatchingTTL   time.Duration
	ProductsTTL   time.Duration
	DetectionTTL  time.Duration
	MemoryEntries int
}

type MatcherConfig struct {
	MaxResults int
}

// Classes the stock detector emits that plausibly map to shoppable products.
var defaultClassAllowList = []string{
	"backpack", "umbrella", "handbag", "tie", "suitcase",
	"bottle", "wine glass", "cup", "bowl",
	"chair", "couch", "bed", "dining table", "potted plant",
	"tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator",
	"book", "clock", "vase", "teddy bear",
	"bicycle", "motorcycle", "skateboard", "surfboard", "sports ball",
}

// Classes generic enough that a vision model can usually refine them into a
// specific product name. Narrow classes stay on the detector label.
var defaultEnhanceAllowList = []string{
	"handbag", "backpack", "suitcase", "tv", "laptop", "cell phone",
	"chair", "couch", "bottle", "clock", "vase", "bicycle", "skateboard",
}

func Load() *Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Port:      getEnvAsInt("PORT", 8080),
		DBPath:    getEnv("DB_PATH", "./lokal.db"),
		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),
		Sampler: SamplerConfig{
			MaxFPS:    getEnvAsFloat("SAMPLER_MAX_FPS", 1.0),
			MaxFrames: getEnvAsInt("SAMPLER_MAX_FRAMES", 15),
			MaxWidth:  getEnvAsInt("SAMPLER_MAX_WIDTH", 640),
			MaxHeight: getEnvAsInt("SAMPLER_MAX_HEIGHT", 640),
		},
		Detector: DetectorConfig{
			BaseURL:             getEnv("DETECTOR_URL", "http://localhost:8090"),
			ConfidenceThreshold: getEnvAsFloat("DETECTOR_CONFIDENCE", 0.5),
			ClassAllowList:      getEnvAsList("DETECTOR_CLASSES", defaultClassAllowList),
			Timeout:             getEnvAsDuration("DETECTOR_TIMEOUT", 15*time.Second),
			Workers:             getEnvAsInt("DETECTOR_WORKERS", 3),
		},
		Tracker: TrackerConfig{
			IoUThreshold:       getEnvAsFloat("TRACKER_IOU_THRESHOLD", 0.3),
			MinHitsToConfirm:   getEnvAsInt("TRACKER_MIN_HITS", 3),
			MaxAgeWithoutMatch: getEnvAsInt("TRACKER_MAX_AGE", 5),
			LostGraceFrames:    getEnvAsInt("TRACKER_LOST_GRACE", 10),
		},
		Cropper: CropperConfig{
			MarginFrac:  getEnvAsFloat("CROP_MARGIN", 0.1),
			MinCropSize: getEnvAsInt("CROP_MIN_SIZE", 50),
			MaxCropSize: getEnvAsInt("CROP_MAX_SIZE", 640),
			JPEGQuality: getEnvAsInt("CROP_JPEG_QUALITY", 85),
		},
		Enhancer: EnhancerConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			Model:           getEnv("OPENAI_MODEL", "gpt-4o"),
			MaxCalls:        getEnvAsInt("ENHANCE_MAX_CALLS", 10),
			BatchSize:       getEnvAsInt("ENHANCE_BATCH_SIZE", 4),
			FilterThreshold: getEnvAsFloat("ENHANCE_MIN_CONFIDENCE", 0.6),
			AllowList:       getEnvAsList("ENHANCE_CLASSES", defaultEnhanceAllowList),
			Timeout:         getEnvAsDuration("ENHANCE_TIMEOUT", 30*time.Second),
			Parallelism:     getEnvAsInt("ENHANCE_PARALLELISM", 2),
		},
		Cache: CacheConfig{
			MatchingTTL:   getEnvAsDuration("CACHE_MATCHING_TTL", 5*time.Minute),
			ProductsTTL:   getEnvAsDuration("CACHE_PRODUCTS_TTL", 30*time.Minute),
			DetectionTTL:  getEnvAsDuration("CACHE_DETECTION_TTL", 24*time.Hour),
			MemoryEntries: getEnvAsInt("CACHE_MEMORY_ENTRIES", 1024),
		},
		Matcher: MatcherConfig{
			MaxResults: getEnvAsInt("MATCHER_MAX_RESULTS", 20),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}
