// Package scorer computes lead totals and tiers from a signal breakdown.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-engine/internal/config"
)

// Thresholds are the minimum totals for the upper two tiers.
type Thresholds struct {
	HighFit   float64 `json:"high_fit"`
	MediumFit float64 `json:"medium_fit"`
}

// DefaultThresholds returns the 15/7 tier cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{HighFit: 15, MediumFit: 7}
}

// FromConfig converts scoring config to Thresholds.
func FromConfig(c config.ScoringConfig) Thresholds {
	return Thresholds{HighFit: c.HighFit, MediumFit: c.MediumFit}
}

// ValidateThresholds checks that the cutoffs are finite and ordered.
func ValidateThresholds(t Thresholds) error {
	var errs []string

	for name, v := range map[string]float64{"high_fit": t.HighFit, "medium_fit": t.MediumFit} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Sprintf("%s must be finite", name))
		}
	}
	if t.MediumFit > t.HighFit {
		errs = append(errs, fmt.Sprintf("medium_fit (%.2f) must be <= high_fit (%.2f)", t.MediumFit, t.HighFit))
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: threshold validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
