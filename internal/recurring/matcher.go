// Package recurring matches transactions to a household's expected recurring
// obligations and advances their schedule when a match is committed.
package recurring

import (
	"math"
	"sort"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/scoring"
)

// scoreEpsilon is the distance under which two scores are treated as tied.
const scoreEpsilon = 1e-9

// CandidateScore is the scoring detail of one considered item.
type CandidateScore struct {
	ItemID           string
	Breakdown        scoring.Breakdown
	DueDateDistance  int
	AboveThreshold   bool
	amountDelta      float64
	lastObservedUnix int64
	policy           string
}

// MatchResult is the outcome of matching one transaction.
type MatchResult struct {
	NextDueDate     *time.Time
	MatchedItemID   string
	ScoreVersion    string
	Candidates      []CandidateScore
	Score           float64
	TieBreakApplied bool
	AlreadyLinked   bool
}

// Matched reports whether an item was selected.
func (r MatchResult) Matched() bool {
	return r.MatchedItemID != ""
}

// Matcher scores transactions against recurring items. It is stateless and
// safe for concurrent use.
type Matcher struct{}

// NewMatcher creates a matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Match selects the best recurring item for txn. Inactive items and items of
// another household are never considered, and a candidate below its own
// threshold is never forced. An invalid tie-break policy on a tied candidate
// is returned as a validation error.
func (m *Matcher) Match(txn model.EnrichedTransaction, candidates []model.RecurringItem) (MatchResult, error) {
	result := MatchResult{}
	byID := make(map[string]model.RecurringItem, len(candidates))

	var eligible []CandidateScore
	for _, item := range candidates {
		if !item.IsActive || item.HouseholdID != txn.HouseholdID {
			continue
		}

		b := scoring.Score(txn, item)
		delta, _ := txn.Amount.Sub(item.ExpectedAmount).Abs().Float64()
		distance := model.DaysBetween(item.NextDueDate, txn.Date)
		if distance < 0 {
			distance = -distance
		}

		var observed int64
		if !item.LastObservedAt.IsZero() {
			observed = item.LastObservedAt.Unix()
		}

		cs := CandidateScore{
			ItemID:           item.ID,
			Breakdown:        b,
			DueDateDistance:  distance,
			AboveThreshold:   b.Total >= item.DeterministicMatchThreshold,
			amountDelta:      delta,
			lastObservedUnix: observed,
			policy:           item.TieBreakPolicy,
		}
		result.Candidates = append(result.Candidates, cs)
		byID[item.ID] = item
		if cs.AboveThreshold {
			eligible = append(eligible, cs)
		}
	}

	sort.Slice(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].ItemID < result.Candidates[j].ItemID
	})

	if len(eligible) == 0 {
		return result, nil
	}

	best := eligible[0].Breakdown.Total
	for _, c := range eligible[1:] {
		if c.Breakdown.Total > best {
			best = c.Breakdown.Total
		}
	}

	var tied []CandidateScore
	for _, c := range eligible {
		if math.Abs(c.Breakdown.Total-best) <= scoreEpsilon {
			tied = append(tied, c)
		}
	}

	winner := tied[0]
	if len(tied) > 1 {
		var err error
		winner, err = breakTie(tied)
		if err != nil {
			return MatchResult{}, err
		}
		result.TieBreakApplied = true
	}

	item := byID[winner.ItemID]
	next := item.Frequency.Advance(item.NextDueDate, item.AnchorDay)
	result.MatchedItemID = winner.ItemID
	result.Score = winner.Breakdown.Total
	result.ScoreVersion = item.ScoreVersion
	result.NextDueDate = &next
	return result, nil
}

// breakTie orders tied candidates by the policy of the tied candidate with the
// smallest id and returns the first.
func breakTie(tied []CandidateScore) (CandidateScore, error) {
	sort.Slice(tied, func(i, j int) bool { return tied[i].ItemID < tied[j].ItemID })

	keys, err := model.ParseTieBreakPolicy(tied[0].policy)
	if err != nil {
		return CandidateScore{}, err
	}

	sort.SliceStable(tied, func(i, j int) bool {
		return less(tied[i], tied[j], keys)
	})
	return tied[0], nil
}

func less(a, b CandidateScore, keys []model.TieBreakKey) bool {
	for _, key := range keys {
		switch key {
		case model.TieBreakDueDateDistance:
			if a.DueDateDistance != b.DueDateDistance {
				return a.DueDateDistance < b.DueDateDistance
			}
		case model.TieBreakAmountDelta:
			if math.Abs(a.amountDelta-b.amountDelta) > scoreEpsilon {
				return a.amountDelta < b.amountDelta
			}
		case model.TieBreakLatestObserved:
			if a.lastObservedUnix != b.lastObservedUnix {
				return a.lastObservedUnix > b.lastObservedUnix
			}
		case model.TieBreakItemID:
			if a.ItemID != b.ItemID {
				return a.ItemID < b.ItemID
			}
		}
	}
	return false
}
