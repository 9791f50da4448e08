// Package quota enforces per-tenant tier limits and tracks usage
// counters for admission decisions.
package quota

import (
	"fmt"
	"sort"
)

// Tier is a named profile of quota limits assigned to a tenant.
type Tier struct {
	Name              string `json:"name"`
	MaxJobsPerDay     int64  `json:"max_jobs_per_day"`
	MaxConcurrentJobs int64  `json:"max_concurrent_jobs"`
	MaxSources        int64  `json:"max_sources"`
	MaxArtifactBytes  int64  `json:"max_artifact_bytes"`
}

// DefaultTier is assigned to tenants that have never been configured.
const DefaultTier = "free"

// builtinTiers have strictly increasing limits from free to enterprise.
var builtinTiers = map[string]Tier{
	"free": {
		Name:              "free",
		MaxJobsPerDay:     10,
		MaxConcurrentJobs: 1,
		MaxSources:        3,
		MaxArtifactBytes:  1 << 30, // 1 GiB
	},
	"starter": {
		Name:              "starter",
		MaxJobsPerDay:     100,
		MaxConcurrentJobs: 3,
		MaxSources:        10,
		MaxArtifactBytes:  10 << 30,
	},
	"professional": {
		Name:              "professional",
		MaxJobsPerDay:     1000,
		MaxConcurrentJobs: 10,
		MaxSources:        50,
		MaxArtifactBytes:  100 << 30,
	},
	"enterprise": {
		Name:              "enterprise",
		MaxJobsPerDay:     10000,
		MaxConcurrentJobs: 50,
		MaxSources:        500,
		MaxArtifactBytes:  1 << 40, // 1 TiB
	},
}

// LookupTier returns a built-in tier by name.
func LookupTier(name string) (Tier, error) {
	t, ok := builtinTiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("unknown tier %q", name)
	}
	return t, nil
}

// ListTiers returns all built-in tiers sorted by daily job limit.
func ListTiers() []Tier {
	tiers := make([]Tier, 0, len(builtinTiers))
	for _, t := range builtinTiers {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].MaxJobsPerDay < tiers[j].MaxJobsPerDay
	})
	return tiers
}
