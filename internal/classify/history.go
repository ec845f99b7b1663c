package classify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/Veraticus/spice-ledger/internal/model"
)

// History stage defaults.
const (
	DefaultMinExamples   = 2
	DefaultMinSimilarity = 0.5

	merchantWeight = 0.8
	amountWeight   = 0.2
)

// HistoryStage proposes the subcategory most often given to similar prior
// transactions of the same household.
type HistoryStage struct {
	MinExamples   int
	MinSimilarity float64
}

// NewHistoryStage creates the similarity stage with default limits.
func NewHistoryStage() *HistoryStage {
	return &HistoryStage{MinExamples: DefaultMinExamples, MinSimilarity: DefaultMinSimilarity}
}

// Name implements Stage.
func (s *HistoryStage) Name() string { return "history" }

// Source implements Attributed.
func (s *HistoryStage) Source() model.AssignmentSource { return model.AssignedByHistory }

type vote struct {
	subcategoryID  string
	weight         float64
	bestSimilarity float64
	examples       int
}

// Propose implements Stage. Each similar example votes for its subcategory with
// its similarity; confidence is the winner's best similarity times its share
// of the vote.
func (s *HistoryStage) Propose(_ context.Context, in Input) (Proposal, error) {
	minExamples := s.MinExamples
	if minExamples <= 0 {
		minExamples = DefaultMinExamples
	}

	txn := in.Transaction
	tokens := merchantTokens(txn.Merchant())
	amount := math.Abs(txn.Amount.InexactFloat64())
	active := activeSubcategories(in.Subcategories)

	votes := make(map[string]*vote)
	similar := 0
	total := 0.0
	for _, h := range in.History {
		if h.TransactionID == txn.ID {
			continue
		}
		if _, ok := active[h.SubcategoryID]; !ok {
			continue
		}
		merchant := h.Merchant
		if strings.TrimSpace(merchant) == "" {
			merchant = h.Description
		}
		overlap := jaccard(tokens, merchantTokens(merchant))
		if overlap == 0 {
			continue
		}
		sim := merchantWeight*overlap + amountWeight*amountProximity(amount, math.Abs(h.Amount))
		if sim < s.MinSimilarity {
			continue
		}

		v, ok := votes[h.SubcategoryID]
		if !ok {
			v = &vote{subcategoryID: h.SubcategoryID}
			votes[h.SubcategoryID] = v
		}
		v.weight += sim
		v.examples++
		v.bestSimilarity = math.Max(v.bestSimilarity, sim)
		similar++
		total += sim
	}

	if similar < minExamples {
		return Proposal{
			RationaleCode: CodeInsufficientHistory,
			Rationale:     fmt.Sprintf("%d similar transaction(s), need %d", similar, minExamples),
		}, nil
	}

	ranked := make([]*vote, 0, len(votes))
	for _, v := range votes {
		ranked = append(ranked, v)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].subcategoryID < ranked[j].subcategoryID
	})

	winner := ranked[0]
	share := winner.weight / total
	name := active[winner.subcategoryID].Name
	return Proposal{
		SubcategoryID: winner.subcategoryID,
		Confidence:    winner.bestSimilarity * share,
		RationaleCode: CodeHistorySimilarity,
		Rationale: fmt.Sprintf("%d of %d similar transactions were %s (vote share %.2f)",
			winner.examples, similar, name, share),
	}, nil
}

// merchantTokens lowercases and splits on anything that is not a letter or
// digit. Pure numbers and single characters are dropped since they are usually
// store numbers or noise.
func merchantTokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 || isNumeric(f) {
			continue
		}
		tokens[f] = struct{}{}
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// amountProximity is 1 for equal amounts and falls to 0 as they diverge
// relative to the larger one.
func amountProximity(a, b float64) float64 {
	larger := math.Max(a, b)
	if larger == 0 {
		return 1
	}
	return math.Max(0, 1-math.Abs(a-b)/larger)
}
