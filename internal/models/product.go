package models

type Product struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Brand       string   `json:"brand"`
	Price       float64  `json:"price"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
	Keywords    []string `json:"keywords"`
}

type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchPartial MatchType = "partial"
)

// ProductMatch is one ranked catalog hit. Exact matches always sort before
// partial ones.
type ProductMatch struct {
	ProductID string    `json:"product_id"`
	MatchType MatchType `json:"match_type"`
	Score     float64   `json:"score"`
	Label     string    `json:"label"`
	Product   Product   `json:"product"`
}
