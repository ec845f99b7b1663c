package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ProposalStatus is the lifecycle state of a reimbursement proposal.
type ProposalStatus string

// Proposal status constants. Approved and Rejected are terminal.
const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// ProposalSource records who or what created a proposal.
type ProposalSource string

// Proposal source constants.
const (
	SourceDeterministic ProposalSource = "deterministic"
	SourceManual        ProposalSource = "manual"
	SourceAgent         ProposalSource = "agent"
)

// Valid reports whether s is a known source.
func (s ProposalSource) Valid() bool {
	switch s {
	case SourceDeterministic, SourceManual, SourceAgent:
		return true
	}
	return false
}

// DecisionAction is what a household user does to a proposal.
type DecisionAction string

// Decision actions.
const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)

// Status returns the terminal status an action leads to.
func (a DecisionAction) Status() (ProposalStatus, bool) {
	switch a {
	case ActionApprove:
		return ProposalApproved, true
	case ActionReject:
		return ProposalRejected, true
	}
	return "", false
}

// Status reason codes.
const (
	ReasonProposed   = "proposed"
	ReasonRevision   = "revision"
	ReasonSuperseded = "superseded"
	ReasonApproved   = "approved_by_user"
	ReasonRejected   = "rejected_by_user"
)

// Provenance explains where a proposal came from.
type Provenance struct {
	SourceTag string          `json:"source_tag"`
	Reference string          `json:"reference,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ReimbursementProposal claims that an incoming transaction reimburses a related
// transaction or split. Decision fields are written exactly once.
type ReimbursementProposal struct {
	CreatedAt              time.Time
	DecidedAt              *time.Time
	ProposedAmount         decimal.Decimal
	ID                     string
	IncomingTransactionID  string
	RelatedTransactionID   string
	RelatedSplitID         string
	LifecycleGroupID       string
	Status                 ProposalStatus
	StatusReasonCode       string
	StatusRationale        string
	Source                 ProposalSource
	SupersedesProposalID   string
	SupersededByProposalID string
	DecidedByUserID        string
	Provenance             Provenance
	LifecycleOrdinal       int
}

// IsDecided reports whether the terminal transition already happened.
func (p *ReimbursementProposal) IsDecided() bool {
	return p.DecidedAt != nil
}

// IsSuperseded reports whether a later revision replaced this proposal.
func (p *ReimbursementProposal) IsSuperseded() bool {
	return p.SupersededByProposalID != ""
}

// IsDecidable reports whether Decide may still be applied.
func (p *ReimbursementProposal) IsDecidable() bool {
	return !p.IsDecided() && !p.IsSuperseded()
}
