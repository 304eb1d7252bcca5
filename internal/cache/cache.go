// Package cache provides the tiered key/value store shared by detection,
// enhancement, and matching results.
package cache

import (
	"context"
	"errors"
	"time"
)

// TTLClass names an expiry policy shared by a category of cached data.
type TTLClass string

const (
	ClassMatching  TTLClass = "matching"
	ClassProducts  TTLClass = "products"
	ClassDetection TTLClass = "detection"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is one cache tier. Values are opaque bytes and always overwritten
// wholesale, never mutated in place.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TTLs maps each class to its configured duration.
type TTLs struct {
	Matching  time.Duration
	Products  time.Duration
	Detection time.Duration
}

func (t TTLs) For(class TTLClass) time.Duration {
	switch class {
	case ClassMatching:
		return t.Matching
	case ClassProducts:
		return t.Products
	default:
		return t.Detection
	}
}
