package plugin

import (
	"regexp"
)

// Canonical artifact key taxonomy. Generators must emit keys matching
// one of these patterns; anything else is rejected rather than stored
// under an unaddressable name.
var canonicalKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^profile\.(html|json)$`),
	regexp.MustCompile(`^quality\.(html|json)$`),
	regexp.MustCompile(`^drift\.(html|json)$`),
	regexp.MustCompile(`^kpis\.json$`),
	regexp.MustCompile(`^chart_[\w]+\.(html|png)$`),
	regexp.MustCompile(`^charts/[\w]+\.(html|png)$`),
	regexp.MustCompile(`^sufficiency\.json$`),
	regexp.MustCompile(`^narrative\.(txt|md)$`),
	regexp.MustCompile(`^manifest\.json$`),
}

// ValidArtifactKey reports whether key matches the canonical taxonomy.
func ValidArtifactKey(key string) bool {
	for _, p := range canonicalKeyPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
