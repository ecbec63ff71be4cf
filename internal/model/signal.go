package model

import (
	"sort"
	"time"
)

// SignalDefinition is one detectable company attribute and its point value.
type SignalDefinition struct {
	ID          string  `json:"id" yaml:"id"`
	Category    string  `json:"category" yaml:"category"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight"`
}

// SignalSet is one immutable version of the scoring model.
type SignalSet struct {
	Version       int64                       `json:"version"`
	ParentVersion int64                       `json:"parent_version"`
	Reason        string                      `json:"reason,omitempty"`
	Signals       map[string]SignalDefinition `json:"signals"`
	CreatedAt     time.Time                   `json:"created_at"`
}

// Clone returns a deep copy that shares nothing with s.
func (s SignalSet) Clone() SignalSet {
	out := s
	out.Signals = make(map[string]SignalDefinition, len(s.Signals))
	for id, def := range s.Signals {
		out.Signals[id] = def
	}
	return out
}

// Weight returns the weight of id and whether the signal exists.
func (s SignalSet) Weight(id string) (float64, bool) {
	def, ok := s.Signals[id]
	return def.Weight, ok
}

// IDs returns the signal ids in lexical order.
func (s SignalSet) IDs() []string {
	ids := make([]string, 0, len(s.Signals))
	for id := range s.Signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SignalVersionInfo summarizes one version for history listings.
type SignalVersionInfo struct {
	Version       int64     `json:"version"`
	ParentVersion int64     `json:"parent_version"`
	Reason        string    `json:"reason,omitempty"`
	SignalCount   int       `json:"signal_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// WeightChange moves one signal to a new absolute weight.
type WeightChange struct {
	SignalID  string  `json:"signal_id"`
	OldWeight float64 `json:"old_weight"`
	NewWeight float64 `json:"new_weight"`
}
