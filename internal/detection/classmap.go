package detection

// classNameMap rewrites detector class names into product-friendly ones
// before they reach matching.
var classNameMap = map[string]string{
	"shoe":         "sneakers",
	"sneaker":      "sneakers",
	"boot":         "boots",
	"sandal":       "sandals",
	"footwear":     "sneakers",
	"potted plant": "plant",
	"dining table": "table",
	"couch":        "couch",
	"cell phone":   "cell phone",
	"wine glass":   "wine glass",
	"sports ball":  "ball",
	"teddy bear":   "teddy bear",
	"hair drier":   "hair dryer",
}

// NormalizeClassName maps a raw detector class to its product-facing name.
// Unknown classes pass through unchanged.
func NormalizeClassName(className string) string {
	if mapped, ok := classNameMap[className]; ok {
		return mapped
	}
	return className
}
