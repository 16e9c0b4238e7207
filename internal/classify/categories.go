package classify

import "strings"

// Canonical categories.
const (
	CategoryJob       = "job"
	CategoryFreelance = "freelance"
	CategoryCollab    = "collab"
	CategoryShowcase  = "showcase"
	CategoryOther     = "other"
)

// categoryAliases maps the synonyms models actually emit onto the canonical
// set. Matching is case-insensitive.
var categoryAliases = map[string]string{
	"job":           CategoryJob,
	"jobs":          CategoryJob,
	"hiring":        CategoryJob,
	"employment":    CategoryJob,
	"full-time":     CategoryJob,
	"freelance":     CategoryFreelance,
	"gig":           CategoryFreelance,
	"contract":      CategoryFreelance,
	"consulting":    CategoryFreelance,
	"collab":        CategoryCollab,
	"collaboration": CategoryCollab,
	"cofounder":     CategoryCollab,
	"co-founder":    CategoryCollab,
	"partnership":   CategoryCollab,
	"showcase":      CategoryShowcase,
	"show":          CategoryShowcase,
	"other":         CategoryOther,
}

// NormalizeCategory maps a model-emitted category onto the canonical set;
// anything unrecognized becomes "other".
func NormalizeCategory(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	return CategoryOther
}
