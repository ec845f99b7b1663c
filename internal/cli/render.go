package cli

import (
	"fmt"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/reconcile"
	"github.com/Veraticus/spice-ledger/internal/recurring"
	"github.com/charmbracelet/lipgloss"
)

// RenderMatch describes a recurring match result.
func RenderMatch(m recurring.MatchResult) string {
	var b strings.Builder
	switch {
	case m.AlreadyLinked:
		fmt.Fprintf(&b, "%s already linked to %s", RepeatIcon, BoldStyle.Render(m.MatchedItemID))
	case m.Matched():
		fmt.Fprintf(&b, "%s matched %s (score %.3f)", RepeatIcon, BoldStyle.Render(m.MatchedItemID), m.Score)
		if m.TieBreakApplied {
			b.WriteString(SubtleStyle.Render(" tie-break"))
		}
	default:
		b.WriteString(SubtleStyle.Render("no recurring match"))
	}
	if m.NextDueDate != nil {
		fmt.Fprintf(&b, "\n  next due %s", m.NextDueDate.Format(model.DateLayout))
	}
	for _, c := range m.Candidates {
		line := fmt.Sprintf("  %-24s total %.3f  due %.2f  amount %.2f  recency %.2f",
			c.ItemID, c.Breakdown.Total, c.Breakdown.DueDate, c.Breakdown.Amount, c.Breakdown.Recency)
		if !c.AboveThreshold {
			line = SubtleStyle.Render(line)
		}
		b.WriteString("\n" + line)
	}
	return b.String()
}

// RenderOutcome describes a classification outcome and its stage trail.
func RenderOutcome(o *model.ClassificationOutcome) string {
	if o == nil {
		return SubtleStyle.Render("not classified")
	}

	var b strings.Builder
	subID, assigned := o.Decision.SubcategoryID()
	switch {
	case assigned:
		b.WriteString(SuccessStyle.Render(fmt.Sprintf("%s %s → %s", SuccessIcon, o.Decision.Code(), subID)))
	default:
		b.WriteString(WarningStyle.Render(fmt.Sprintf("%s %s", WarningIcon, o.Decision.Code())))
	}
	fmt.Fprintf(&b, " %s", SubtleStyle.Render(fmt.Sprintf("(%s, confidence %.2f)", o.DecisionReasonCode, o.FinalConfidence)))

	if o.AssignedBy != "" {
		fmt.Fprintf(&b, "\n  by %s", o.AssignedBy)
	}
	if o.DecisionRationale != "" {
		fmt.Fprintf(&b, "\n  %s", o.DecisionRationale)
	}
	for _, s := range o.StageOutputs {
		b.WriteString("\n" + renderStage(s))
	}
	if o.AgentNoteSummary != "" {
		fmt.Fprintf(&b, "\n  %s %s", InfoIcon, o.AgentNoteSummary)
	}
	return b.String()
}

func renderStage(s model.ClassificationStageOutput) string {
	candidate := s.CandidateSubcategoryID
	if candidate == "" {
		candidate = "-"
	}
	mark := " "
	style := SubtleStyle
	switch {
	case s.Accepted:
		mark = SuccessIcon
		style = SuccessStyle
	case s.EscalatedToNextStage:
		mark = "↓"
	}
	return style.Render(fmt.Sprintf("  %s %d. %-8s %-20s %.2f  %s",
		mark, s.StageOrder, s.StageName, candidate, s.Confidence, s.RationaleCode))
}

// RenderProposal describes one reimbursement proposal.
func RenderProposal(p *model.ReimbursementProposal) string {
	if p == nil {
		return ""
	}

	status := string(p.Status)
	switch p.Status {
	case model.ProposalApproved:
		status = SuccessStyle.Render(status)
	case model.ProposalRejected:
		status = ErrorStyle.Render(status)
	default:
		status = WarningStyle.Render(status)
	}

	related := p.RelatedTransactionID
	if p.RelatedSplitID != "" {
		related += "/" + p.RelatedSplitID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s #%d %s  $%s ← %s for %s",
		RefundIcon, p.LifecycleGroupID, p.LifecycleOrdinal, status,
		p.ProposedAmount.StringFixed(2), p.IncomingTransactionID, related)
	fmt.Fprintf(&b, "\n  id %s  source %s  reason %s", p.ID, p.Source, p.StatusReasonCode)
	if p.SupersedesProposalID != "" {
		fmt.Fprintf(&b, "\n  revises %s", p.SupersedesProposalID)
	}
	if p.SupersededByProposalID != "" {
		b.WriteString("\n" + SubtleStyle.Render("  superseded by "+p.SupersededByProposalID))
	}
	if p.DecidedAt != nil {
		fmt.Fprintf(&b, "\n  decided by %s at %s", p.DecidedByUserID, p.DecidedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if p.StatusRationale != "" {
		fmt.Fprintf(&b, "\n  %s", p.StatusRationale)
	}
	return b.String()
}

// RenderProposalGroup renders a lifecycle group in ordinal order.
func RenderProposalGroup(group []model.ReimbursementProposal) string {
	parts := make([]string, 0, len(group))
	for i := range group {
		parts = append(parts, RenderProposal(&group[i]))
	}
	return strings.Join(parts, "\n\n")
}

// RenderResult renders everything one reconciliation produced.
func RenderResult(r reconcile.Result) string {
	sections := []string{
		BoldStyle.Render("Recurring"),
		RenderMatch(r.Match),
		"",
		BoldStyle.Render("Classification"),
		RenderOutcome(r.Classification),
	}
	if r.Reimbursement != nil {
		hint := fmt.Sprintf("%s looks like a reimbursement of $%s (%s", RefundIcon, r.Reimbursement.Amount.StringFixed(2), r.Reimbursement.Reason)
		if r.Reimbursement.Keyword != "" {
			hint += " " + r.Reimbursement.Keyword
		}
		if r.Reimbursement.SubcategoryID != "" {
			hint += " " + r.Reimbursement.SubcategoryID
		}
		sections = append(sections, "", BoldStyle.Render("Reimbursement"), InfoStyle.Render(hint+")"))
	}
	if r.Proposal != nil {
		sections = append(sections, RenderProposal(r.Proposal))
	}
	return RenderBox("Transaction "+r.TransactionID, lipgloss.JoinVertical(lipgloss.Left, sections...))
}

// RenderBatchSummary summarizes a batch run.
func RenderBatchSummary(batch reconcile.BatchResult) string {
	var matched, assigned, review, proposed int
	for _, r := range batch.Results {
		if r.Match.Matched() {
			matched++
		}
		if r.Classification != nil {
			if r.Classification.Decision.Kind() == model.DecisionNeedsReview {
				review++
			} else {
				assigned++
			}
		}
		if r.Proposal != nil {
			proposed++
		}
	}

	lines := []string{
		fmt.Sprintf("Reconciled:          %d", len(batch.Results)),
		fmt.Sprintf("Recurring matches:   %d", matched),
		fmt.Sprintf("Assigned:            %d", assigned),
		fmt.Sprintf("Needs review:        %d", review),
		fmt.Sprintf("Proposals created:   %d", proposed),
	}
	if len(batch.Failures) > 0 {
		lines = append(lines, ErrorStyle.Render(fmt.Sprintf("Failed:              %d", len(batch.Failures))))
		for _, f := range batch.Failures {
			lines = append(lines, ErrorStyle.Render(fmt.Sprintf("  %s: %v", f.TransactionID, f.Err)))
		}
	}
	return RenderBox("Reconciliation Summary", strings.Join(lines, "\n"))
}

// RenderRecurringItems renders recurring items as a table.
func RenderRecurringItems(items []model.RecurringItem) string {
	if len(items) == 0 {
		return SubtleStyle.Render("no recurring items")
	}

	header := []string{"ID", "MERCHANT", "FREQUENCY", "AMOUNT", "NEXT DUE", "THRESHOLD"}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		row := []string{
			item.ID,
			item.MerchantName,
			string(item.Frequency),
			item.ExpectedAmount.StringFixed(2),
			item.NextDueDate.Format(model.DateLayout),
			fmt.Sprintf("%.2f", item.DeterministicMatchThreshold),
		}
		if !item.IsActive {
			row[1] += " (inactive)"
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	renderRow := func(cells []string, style lipgloss.Style) string {
		rendered := make([]string, len(cells))
		for i, cell := range cells {
			rendered[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	}

	lines := []string{TableHeaderStyle.Render(renderRow(header, TableCellStyle))}
	for _, row := range rows {
		lines = append(lines, renderRow(row, TableCellStyle))
	}
	return strings.Join(lines, "\n")
}
