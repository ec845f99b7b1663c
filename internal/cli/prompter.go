package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/model"
)

// ErrReviewQuit is returned when the user ends a review session.
var ErrReviewQuit = errors.New("review quit by user")

// ReviewChoice is the user's answer for one transaction.
type ReviewChoice struct {
	SubcategoryID string
	Rationale     string
	Skip          bool
}

// ReviewPrompter asks a household user to classify transactions the
// pipeline left for review.
type ReviewPrompter struct {
	writer io.Writer
	reader *bufio.Reader
}

// NewReviewPrompter creates a prompter on the given reader and writer.
func NewReviewPrompter(reader io.Reader, writer io.Writer) *ReviewPrompter {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &ReviewPrompter{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// Review shows the transaction with its latest outcome and reads a choice.
// Pressing enter accepts the strongest stage candidate when there is one.
func (p *ReviewPrompter) Review(ctx context.Context, txn model.EnrichedTransaction, outcome *model.ClassificationOutcome, subcategories []model.Subcategory) (ReviewChoice, error) {
	if err := ctx.Err(); err != nil {
		return ReviewChoice{}, err
	}

	active := make([]model.Subcategory, 0, len(subcategories))
	for _, s := range subcategories {
		if s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return ReviewChoice{}, fmt.Errorf("no active subcategories to choose from")
	}

	suggestion := suggestedSubcategory(outcome, active)

	if _, err := fmt.Fprintln(p.writer, RenderBox("Needs Review", formatTransaction(txn)+"\n\n"+RenderOutcome(outcome))); err != nil {
		return ReviewChoice{}, fmt.Errorf("failed to write transaction box: %w", err)
	}
	if err := p.writeOptions(active, suggestion); err != nil {
		return ReviewChoice{}, err
	}

	for {
		if _, err := fmt.Fprint(p.writer, FormatPrompt("Choice")); err != nil {
			return ReviewChoice{}, fmt.Errorf("failed to write prompt: %w", err)
		}
		input, err := p.readLine(ctx)
		if err != nil {
			return ReviewChoice{}, err
		}

		switch strings.ToLower(input) {
		case "q":
			return ReviewChoice{}, ErrReviewQuit
		case "s":
			return ReviewChoice{Skip: true}, nil
		case "":
			if suggestion == "" {
				p.warn("No suggestion available. Pick a number or an id.")
				continue
			}
			input = suggestion
		}

		subID, ok := resolveChoice(input, active)
		if !ok {
			p.warn(fmt.Sprintf("Unknown choice %q.", input))
			continue
		}

		if _, err := fmt.Fprint(p.writer, FormatPrompt("Note (optional)")); err != nil {
			return ReviewChoice{}, fmt.Errorf("failed to write prompt: %w", err)
		}
		note, err := p.readLine(ctx)
		if err != nil {
			return ReviewChoice{}, err
		}
		return ReviewChoice{SubcategoryID: subID, Rationale: note}, nil
	}
}

func (p *ReviewPrompter) writeOptions(active []model.Subcategory, suggestion string) error {
	var b strings.Builder
	b.WriteString(FormatPrompt("Subcategories:") + "\n")
	for i, s := range active {
		line := fmt.Sprintf("  [%d] %s (%s)", i+1, s.Name, s.ID)
		if s.ID == suggestion {
			line = SuccessStyle.Render(line + "  ← enter to accept")
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(SubtleStyle.Render("  [S] Skip  [Q] Quit") + "\n")
	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write options: %w", err)
	}
	return nil
}

func (p *ReviewPrompter) warn(msg string) {
	if _, err := fmt.Fprintln(p.writer, FormatWarning(msg)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write warning: %v\n", err)
	}
}

type lineResult struct {
	err  error
	line string
}

// readLine reads one line, giving up when ctx is canceled. End of input
// ends the session.
func (p *ReviewPrompter) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) && strings.TrimSpace(res.line) != "" {
				return strings.TrimSpace(res.line), nil
			}
			if errors.Is(res.err, io.EOF) {
				return "", ErrReviewQuit
			}
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return strings.TrimSpace(res.line), nil
	}
}

// suggestedSubcategory returns the highest-confidence stage candidate that is
// still selectable.
func suggestedSubcategory(outcome *model.ClassificationOutcome, active []model.Subcategory) string {
	if outcome == nil {
		return ""
	}
	var best string
	var bestConfidence float64
	for _, s := range outcome.StageOutputs {
		if s.CandidateSubcategoryID == "" || s.Confidence <= bestConfidence {
			continue
		}
		if _, ok := resolveChoice(s.CandidateSubcategoryID, active); ok {
			best, bestConfidence = s.CandidateSubcategoryID, s.Confidence
		}
	}
	return best
}

// resolveChoice accepts a 1-based option number or a subcategory id.
func resolveChoice(input string, active []model.Subcategory) (string, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(active) {
			return active[n-1].ID, true
		}
		return "", false
	}
	for _, s := range active {
		if strings.EqualFold(s.ID, input) {
			return s.ID, true
		}
	}
	return "", false
}

func formatTransaction(txn model.EnrichedTransaction) string {
	direction := "out"
	if txn.IsInflow() {
		direction = "in"
	}
	lines := []string{
		fmt.Sprintf("Merchant:    %s", BoldStyle.Render(txn.Merchant())),
		fmt.Sprintf("Amount:      $%s %s", txn.Amount.Abs().StringFixed(2), direction),
		fmt.Sprintf("Date:        %s", txn.Date.Format("Jan 2, 2006")),
	}
	if txn.Description != "" && txn.Description != txn.Merchant() {
		lines = append(lines, SubtleStyle.Render("Description: "+txn.Description))
	}
	return strings.Join(lines, "\n")
}
