package scorer

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/prospect-engine/internal/model"
)

// Result is the outcome of scoring one breakdown against one signal set.
type Result struct {
	Total     float64         `json:"total"`
	Tier      model.Tier      `json:"tier"`
	Version   int64           `json:"version"`
	Breakdown model.Breakdown `json:"breakdown"`
}

// Score recomputes every contribution in b from the weights of set and
// returns the total and tier. Contributions supplied by the caller are
// ignored; only Matched is an input. The returned breakdown is a fresh copy.
//
// Every signal id in b must exist in set.
func Score(b model.Breakdown, set model.SignalSet, th Thresholds) (Result, error) {
	ids := make([]string, 0, len(b))
	var unknown []string
	for id := range b {
		if _, ok := set.Signals[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Result{}, model.NewValidationError("breakdown",
			"unknown signals for version "+strconv.FormatInt(set.Version, 10)+": "+strings.Join(unknown, ", "))
	}
	sort.Strings(ids)

	out := b.Clone()
	var total float64
	for _, id := range ids {
		m := out[id]
		if m.Matched {
			m.Contribution = set.Signals[id].Weight
		} else {
			m.Contribution = 0
		}
		out[id] = m
		total += m.Contribution
	}
	total = Round2(total)

	return Result{
		Total:     total,
		Tier:      TierFor(total, th),
		Version:   set.Version,
		Breakdown: out,
	}, nil
}

// TierFor maps a total to its tier. Boundaries are inclusive.
func TierFor(total float64, th Thresholds) model.Tier {
	switch {
	case total >= th.HighFit:
		return model.TierHighFit
	case total >= th.MediumFit:
		return model.TierMediumFit
	default:
		return model.TierLowFit
	}
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
