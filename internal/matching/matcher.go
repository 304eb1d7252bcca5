// Package matching ranks catalog entries against a label set using
// exact-then-partial matching.
package matching

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lokalshop/engine/internal/cache"
	"github.com/lokalshop/engine/internal/config"
	"github.com/lokalshop/engine/internal/models"
)

// Catalog is the external product catalog, read-only from here.
type Catalog interface {
	Search(ctx context.Context, labels []string) ([]models.Product, error)
}

type Matcher struct {
	cfg     config.MatcherConfig
	catalog Catalog
	cache   *cache.TieredCache
}

func New(cfg config.MatcherConfig, catalog Catalog, c *cache.TieredCache) *Matcher {
	return &Matcher{cfg: cfg, catalog: catalog, cache: c}
}

// Match returns ranked products for the label set: exact title matches first,
// then keyword partials, de-duplicated by product id, rating descending
// within each tier, review count breaking rating ties. An empty label set
// yields an empty list; the matcher never substitutes unrelated products.
func (m *Matcher) Match(ctx context.Context, labels []string) ([]models.ProductMatch, error) {
	labels = normalizeLabels(labels)
	if len(labels) == 0 {
		return []models.ProductMatch{}, nil
	}

	cacheKey := matchCacheKey(labels)
	if m.cache != nil {
		if data, ok := m.cache.Get(ctx, cache.ClassMatching, cacheKey); ok {
			var cached []models.ProductMatch
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	// Catalog rows are cached separately from ranked results: they change
	// rarely, so they keep a longer TTL than the matching output.
	products, ok := m.cachedProducts(ctx, labels)
	if !ok {
		var err error
		products, err = m.catalog.Search(ctx, labels)
		if err != nil {
			return nil, err
		}
		if m.cache != nil {
			if data, err := json.Marshal(products); err == nil {
				m.cache.Set(ctx, cache.ClassProducts, productsCacheKey(labels), data)
			}
		}
	}

	matches := Rank(labels, products, m.cfg.MaxResults)

	if m.cache != nil {
		if data, err := json.Marshal(matches); err == nil {
			m.cache.Set(ctx, cache.ClassMatching, cacheKey, data)
		} else {
			log.Warn().Err(err).Msg("failed to cache match results")
		}
	}

	return matches, nil
}

// Rank applies the two-tier ordering to an already-fetched candidate set.
// It is deterministic: identical input always yields identical output.
func Rank(labels []string, products []models.Product, maxResults int) []models.ProductMatch {
	byID := make(map[string]models.ProductMatch)

	for _, p := range products {
		title := strings.ToLower(p.Title)

		for _, label := range labels {
			// Exact tier: the title contains the label or vice versa.
			if strings.Contains(title, label) || strings.Contains(label, title) {
				upsert(byID, models.ProductMatch{
					ProductID: p.ID,
					MatchType: models.MatchExact,
					Score:     1.0,
					Label:     label,
					Product:   p,
				})
				continue
			}

			// Partial tier: keyword list intersects the label by substring.
			for _, kw := range p.Keywords {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw == "" {
					continue
				}
				if strings.Contains(kw, label) || strings.Contains(label, kw) {
					upsert(byID, models.ProductMatch{
						ProductID: p.ID,
						MatchType: models.MatchPartial,
						Score:     0.5,
						Label:     label,
						Product:   p,
					})
					break
				}
			}
		}
	}

	matches := make([]models.ProductMatch, 0, len(byID))
	for _, m := range byID {
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].MatchType != matches[j].MatchType {
			return matches[i].MatchType == models.MatchExact
		}
		if matches[i].Product.Rating != matches[j].Product.Rating {
			return matches[i].Product.Rating > matches[j].Product.Rating
		}
		if matches[i].Product.ReviewCount != matches[j].Product.ReviewCount {
			return matches[i].Product.ReviewCount > matches[j].Product.ReviewCount
		}
		return matches[i].ProductID < matches[j].ProductID
	})

	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// upsert keeps the strongest match per product id: an exact match always
// replaces a partial one.
func upsert(byID map[string]models.ProductMatch, m models.ProductMatch) {
	existing, ok := byID[m.ProductID]
	if !ok {
		byID[m.ProductID] = m
		return
	}
	if existing.MatchType == models.MatchPartial && m.MatchType == models.MatchExact {
		byID[m.ProductID] = m
	}
}

func (m *Matcher) cachedProducts(ctx context.Context, labels []string) ([]models.Product, bool) {
	if m.cache == nil {
		return nil, false
	}
	data, ok := m.cache.Get(ctx, cache.ClassProducts, productsCacheKey(labels))
	if !ok {
		return nil, false
	}
	var products []models.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, false
	}
	return products, true
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func matchCacheKey(normalized []string) string {
	return "match:" + strings.Join(normalized, "|")
}

func productsCacheKey(normalized []string) string {
	return "products:" + strings.Join(normalized, "|")
}
