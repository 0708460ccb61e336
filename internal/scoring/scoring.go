// Package scoring maps OWASP rule identifiers to numeric scores and
// severity buckets.
package scoring

import (
	"math"

	"github.com/jmylchreest/specprobe/internal/models"
)

// weight holds the default likelihood/impact pair for one rule.
type weight struct {
	likelihood float64
	impact     float64
}

// Default likelihood/impact per rule.
var weights = map[string]weight{
	models.RuleBOLA:           {0.9, 0.9},
	models.RuleBrokenAuth:     {0.8, 0.9},
	models.RuleDataExposure:   {0.6, 0.7},
	models.RuleNoRateLimit:    {0.5, 0.6},
	models.RuleBFLA:           {0.8, 0.9},
	models.RuleMassAssignment: {0.7, 0.8},
	models.RuleMisconfig:      {0.6, 0.8},
	models.RuleInjection:      {0.6, 0.8},
	models.RuleInventory:      {0.5, 0.6},
	models.RuleNoLogging:      {0.4, 0.5},
}

// Score returns likelihood x impact x 10, rounded to one decimal.
// Unknown rules score zero.
func Score(rule string) float64 {
	w, ok := weights[rule]
	if !ok {
		return 0
	}
	return math.Round(w.likelihood*w.impact*100) / 10
}

// SeverityFor buckets a score: >=9 Critical, >=7 High, >=4 Medium,
// >=1 Low, otherwise Info.
func SeverityFor(score float64) models.Severity {
	switch {
	case score >= 9:
		return models.SeverityCritical
	case score >= 7:
		return models.SeverityHigh
	case score >= 4:
		return models.SeverityMedium
	case score >= 1:
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

// For returns the score and severity for a rule in one call.
func For(rule string) (float64, models.Severity) {
	s := Score(rule)
	return s, SeverityFor(s)
}
