package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
)

// MaxNoteLength bounds the agent note kept on an outcome.
const MaxNoteLength = 280

// StageConfig pairs a stage with the confidence it must reach to be accepted.
type StageConfig struct {
	Stage               Stage
	AcceptanceThreshold float64
}

// Pipeline runs stages in order until one is accepted.
type Pipeline struct {
	stages []StageConfig
}

// NewPipeline validates the stage list. A pipeline has one to three stages,
// each with a threshold in [0,1].
func NewPipeline(stages ...StageConfig) (*Pipeline, error) {
	var errs common.ValidationErrors
	if len(stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	if len(stages) > model.MaxStageOrder {
		errs.Add("stages", "at most %d stages are allowed, got %d", model.MaxStageOrder, len(stages))
	}
	for i, sc := range stages {
		if sc.Stage == nil {
			errs.Add(fmt.Sprintf("stages[%d]", i), "stage is nil")
			continue
		}
		if sc.AcceptanceThreshold < 0 || sc.AcceptanceThreshold > 1 || math.IsNaN(sc.AcceptanceThreshold) {
			errs.Add(fmt.Sprintf("stages[%d].acceptance_threshold", i), "must be between 0 and 1")
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &Pipeline{stages: stages}, nil
}

// Stages returns the configured stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, sc := range p.stages {
		names[i] = sc.Stage.Name()
	}
	return names
}

// Result is the aggregated decision of one run, before it is persisted.
type Result struct {
	Decision        model.Decision
	ReasonCode      string
	Rationale       string
	AgentNote       string
	Source          model.AssignmentSource
	AssignedBy      string
	StageOutputs    []model.ClassificationStageOutput
	FinalConfidence float64
}

// Run executes the stages in ascending order and stops after the first
// accepted one. A failing stage is recorded and the run moves on; only a
// cancelled context aborts the run.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	outputs := make([]model.ClassificationStageOutput, 0, len(p.stages))
	sources := make([]model.AssignmentSource, 0, len(p.stages))
	var note string

	for i, sc := range p.stages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		in.PriorStages = outputs
		out := model.ClassificationStageOutput{
			StageName:  sc.Stage.Name(),
			StageOrder: i + 1,
		}

		proposal, err := sc.Stage.Propose(ctx, in)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case err != nil:
			slog.Warn("Classification stage failed",
				"stage", out.StageName,
				"transaction_id", in.Transaction.ID,
				"error", err)
			out.RationaleCode = CodeStageFailed
			out.Rationale = err.Error()
		default:
			confidence, clamped := clamp(proposal.Confidence)
			out.CandidateSubcategoryID = proposal.SubcategoryID
			out.Confidence = confidence
			out.RationaleCode = proposal.RationaleCode
			out.Rationale = proposal.Rationale
			if clamped {
				out.Rationale = strings.TrimSpace(fmt.Sprintf("%s (confidence %v clamped to %.2f)",
					out.Rationale, proposal.Confidence, confidence))
			}
			out.Accepted = proposal.HasCandidate() && confidence >= sc.AcceptanceThreshold
			if proposal.Note != "" {
				note = proposal.Note
			}
		}

		out.EscalatedToNextStage = !out.Accepted && i < len(p.stages)-1
		outputs = append(outputs, out)
		sources = append(sources, sourceOf(sc.Stage))

		slog.Debug("Classification stage finished",
			"stage", out.StageName,
			"order", out.StageOrder,
			"candidate", out.CandidateSubcategoryID,
			"confidence", out.Confidence,
			"accepted", out.Accepted)

		if out.Accepted {
			break
		}
	}

	return aggregate(outputs, sources, note), nil
}

// aggregate adopts the highest-confidence accepted output. Without one the
// result needs review and keeps the best confidence seen.
func aggregate(outputs []model.ClassificationStageOutput, sources []model.AssignmentSource, note string) Result {
	result := Result{
		StageOutputs: outputs,
		AgentNote:    summarize(note),
	}

	best := -1
	for i, out := range outputs {
		if out.Accepted && (best < 0 || out.Confidence > outputs[best].Confidence) {
			best = i
		}
	}

	if best >= 0 {
		chosen := outputs[best]
		result.Decision = model.AutoAssigned(chosen.CandidateSubcategoryID)
		result.FinalConfidence = chosen.Confidence
		result.ReasonCode = model.ReasonStageAccepted
		result.Rationale = fmt.Sprintf("%s accepted %s at %.2f: %s",
			chosen.StageName, chosen.CandidateSubcategoryID, chosen.Confidence, chosen.Rationale)
		result.Source = sources[best]
		result.AssignedBy = chosen.StageName
		return result
	}

	maxConfidence := 0.0
	for _, out := range outputs {
		maxConfidence = math.Max(maxConfidence, out.Confidence)
	}
	result.Decision = model.NeedsReview()
	result.FinalConfidence = maxConfidence
	result.ReasonCode = model.ReasonEscalationExhausted
	result.Rationale = fmt.Sprintf("no stage reached its acceptance threshold after %d stage(s)", len(outputs))
	result.Source = model.AssignedByNone
	return result
}

func clamp(v float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, true
	case v < 0:
		return 0, true
	case v > 1:
		return 1, true
	}
	return v, false
}

func summarize(note string) string {
	note = strings.Join(strings.Fields(note), " ")
	runes := []rune(note)
	if len(runes) <= MaxNoteLength {
		return note
	}
	return strings.TrimSpace(string(runes[:MaxNoteLength-3])) + "..."
}
