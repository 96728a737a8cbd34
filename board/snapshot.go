package board

import (
	"math"

	"bloomers/domain"
)

// QuestionView is one question as the UI should render it. Category on the
// embedded Question is the committed label; Effective is the pending label
// when present, else the committed one.
type QuestionView struct {
	domain.Question
	Pending   domain.Category `json:"pending,omitempty"`
	Effective domain.Category `json:"effective"`
	InFlight  bool            `json:"inFlight,omitempty"`
}

// Snapshot is a consistent read of the whole board. Committed counts feed
// saved-state reporting (order split, highest category, percentages);
// effective counts feed the live chart and overview.
type Snapshot struct {
	Questions        []QuestionView              `json:"questions"`
	ActiveIndex      int                         `json:"activeIndex"`
	CommittedCounts  domain.Counts               `json:"committedCounts"`
	EffectiveCounts  domain.Counts               `json:"effectiveCounts"`
	Total            int                         `json:"total"`
	LowerOrderCount  int                         `json:"lowerOrderCount"`
	HigherOrderCount int                         `json:"higherOrderCount"`
	HighestCategory  domain.Category             `json:"highestCategory,omitempty"`
	Distribution     map[domain.Category]float64 `json:"distribution"`
}

// Snapshot computes the current aggregate view. It never blocks on an
// in-flight commit: a snapshot taken while a submit is outstanding reflects
// the pre-commit committed label and the still-present pending label.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Questions:   make([]QuestionView, 0, len(b.questions)),
		ActiveIndex: b.activeIndex,
		Total:       len(b.questions),
	}
	for _, q := range b.questions {
		effective := q.Category
		if q.pending != "" {
			effective = q.pending
		}
		snap.Questions = append(snap.Questions, QuestionView{
			Question:  q.Question,
			Pending:   q.pending,
			Effective: effective,
			InFlight:  q.inFlight,
		})
		snap.CommittedCounts.Add(q.Category)
		snap.EffectiveCounts.Add(effective)
	}

	snap.LowerOrderCount = snap.CommittedCounts.C1 + snap.CommittedCounts.C2
	snap.HigherOrderCount = snap.CommittedCounts.Total() - snap.LowerOrderCount
	snap.HighestCategory = highestCategory(snap.CommittedCounts, snap.Total)
	snap.Distribution = distribution(snap.CommittedCounts, snap.Total)
	return snap
}

// highestCategory picks the category with the largest committed count. Ties
// resolve to the lowest category so the result is deterministic. An empty
// board has no highest category.
func highestCategory(counts domain.Counts, total int) domain.Category {
	if total == 0 {
		return ""
	}
	best := domain.C1
	for _, c := range domain.Categories() {
		if counts.Of(c) > counts.Of(best) {
			best = c
		}
	}
	return best
}

// distribution converts committed counts to percentages rounded to one
// decimal place.
func distribution(counts domain.Counts, total int) map[domain.Category]float64 {
	out := make(map[domain.Category]float64, 6)
	for _, c := range domain.Categories() {
		if total == 0 {
			out[c] = 0
			continue
		}
		out[c] = math.Round(float64(counts.Of(c))/float64(total)*1000) / 10
	}
	return out
}
