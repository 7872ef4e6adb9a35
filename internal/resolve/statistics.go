package resolve

import (
	"math"
	"time"

	"floracore/pkg/domain"
)

// Contribution is one descendant entity's sample set feeding an aggregation.
type Contribution struct {
	EntityID string
	Samples  []float64
}

// AggregateStat builds an immutable computed-statistics snapshot over
// descendant contributions. The contributor weights record each child's
// sample count for provenance display. Returns false when no contribution
// carries samples, since an empty snapshot would shadow real inherited
// values for nothing.
func AggregateStat(entityID, semanticKey string, version int, computedAt time.Time, contribs []Contribution) (domain.ComputedStat, bool) {
	var (
		total   float64
		count   int
		minimum = math.Inf(1)
		maximum = math.Inf(-1)
		weights = make(map[string]int, len(contribs))
	)
	for _, c := range contribs {
		if len(c.Samples) == 0 {
			continue
		}
		weights[c.EntityID] = len(c.Samples)
		for _, s := range c.Samples {
			total += s
			count++
			minimum = math.Min(minimum, s)
			maximum = math.Max(maximum, s)
		}
	}
	if count == 0 {
		return domain.ComputedStat{}, false
	}

	mean := total / float64(count)
	return domain.ComputedStat{
		EntityID:    entityID,
		StatVersion: version,
		ComputedAt:  computedAt,
		SemanticKey: semanticKey,
		Value:       round3(mean),
		Metrics: map[string]any{
			"sample_count": count,
			"mean":         round3(mean),
			"min":          round3(minimum),
			"max":          round3(maximum),
		},
		ContributorWeights: weights,
	}, true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
