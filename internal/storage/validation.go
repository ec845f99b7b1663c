// Package storage provides the data persistence layer for the ledger engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrEmptySlice         = errors.New("slice cannot be empty")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidOutcome     = errors.New("invalid classification outcome")
	ErrInvalidProposal    = errors.New("invalid reimbursement proposal")
	ErrInvalidRecurring   = errors.New("invalid recurring item")
	ErrInvalidRule        = errors.New("invalid pattern rule")
	ErrInvalidSubcategory = errors.New("invalid subcategory")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateTransactions validates a slice of transactions.
func validateTransactions(transactions []model.EnrichedTransaction) error {
	if transactions == nil {
		return fmt.Errorf("%w: transactions", ErrNilParameter)
	}
	if len(transactions) == 0 {
		return fmt.Errorf("%w: transactions", ErrEmptySlice)
	}

	for i := range transactions {
		if err := transactions[i].Validate(); err != nil {
			return fmt.Errorf("transaction at index %d: %w: %w", i, ErrInvalidTransaction, err)
		}
	}
	return nil
}

func validateRecurringItem(item *model.RecurringItem) error {
	if item == nil {
		return fmt.Errorf("%w: recurring item", ErrNilParameter)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidRecurring)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecurring, err)
	}
	return nil
}

func validateOutcome(outcome *model.ClassificationOutcome) error {
	if outcome == nil {
		return fmt.Errorf("%w: outcome", ErrNilParameter)
	}
	if strings.TrimSpace(outcome.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidOutcome)
	}
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOutcome, err)
	}
	return nil
}

func validateProposal(p *model.ReimbursementProposal) error {
	if p == nil {
		return fmt.Errorf("%w: proposal", ErrNilParameter)
	}
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidProposal)
	case strings.TrimSpace(p.IncomingTransactionID) == "":
		return fmt.Errorf("%w: missing incoming transaction", ErrInvalidProposal)
	case strings.TrimSpace(p.LifecycleGroupID) == "":
		return fmt.Errorf("%w: missing lifecycle group", ErrInvalidProposal)
	case p.LifecycleOrdinal < 1:
		return fmt.Errorf("%w: lifecycle ordinal must be at least 1", ErrInvalidProposal)
	case !p.ProposedAmount.IsPositive():
		return fmt.Errorf("%w: proposed amount must be positive", ErrInvalidProposal)
	case !p.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidProposal, p.Source)
	}
	return nil
}

func validateDecision(d service.ProposalDecision) error {
	if err := validateString(d.ProposalID, "proposalID"); err != nil {
		return err
	}
	if err := validateString(d.DecidedByUserID, "decidedByUserID"); err != nil {
		return err
	}
	if d.Status != model.ProposalApproved && d.Status != model.ProposalRejected {
		return fmt.Errorf("%w: decision status %q is not terminal", ErrInvalidProposal, d.Status)
	}
	if d.DecidedAt.IsZero() {
		return fmt.Errorf("%w: missing decision time", ErrInvalidProposal)
	}
	return nil
}

func validateSubcategory(sub *model.Subcategory) error {
	if sub == nil {
		return fmt.Errorf("%w: subcategory", ErrNilParameter)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidSubcategory)
	}
	if strings.TrimSpace(sub.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSubcategory)
	}
	return nil
}

func validatePatternRule(rule *model.PatternRule) error {
	if rule == nil {
		return fmt.Errorf("%w: pattern rule", ErrNilParameter)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}
