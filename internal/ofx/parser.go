// Package ofx imports OFX/QFX statements as enriched transactions.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/aclindsa/ofxgo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// transactionNamespace seeds deterministic transaction ids so that importing
// the same statement twice yields the same ids.
var transactionNamespace = uuid.MustParse("5b0f3c52-8f5e-4d7a-9a38-2a6a1b1c9e41")

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	tagFixRegex   = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Parser converts OFX/QFX files into transactions of one household.
type Parser struct {
	householdID string
}

// NewParser creates a parser that assigns transactions to householdID.
func NewParser(householdID string) *Parser {
	return &Parser{householdID: householdID}
}

// preprocessOFX fixes common formatting issues in OFX files.
func preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")

	// SEVERITY must be upper case.
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)

	// SGML files sometimes drop the closing bracket of a bare opening tag.
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

// ParseFile parses an OFX/QFX file. Provider debits become positive outflows
// and credits become negative inflows.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]model.EnrichedTransaction, error) {
	if p.householdID == "" {
		return nil, fmt.Errorf("household is required to import OFX")
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}

	var transactions []model.EnrichedTransaction
	var bankStmts, ccStmts int

	for _, msg := range resp.Bank {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		bankStmts++
		txns, err := p.convertAll(stmt.BankTranList.Transactions, string(stmt.BankAcctFrom.AcctID))
		if err != nil {
			slog.Warn("Failed to process bank statement",
				"account", stmt.BankAcctFrom.AcctID,
				"error", err)
			continue
		}
		transactions = append(transactions, txns...)
	}

	for _, msg := range resp.CreditCard {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		ccStmts++
		txns, err := p.convertAll(stmt.BankTranList.Transactions, string(stmt.CCAcctFrom.AcctID))
		if err != nil {
			slog.Warn("Failed to process credit card statement",
				"account", stmt.CCAcctFrom.AcctID,
				"error", err)
			continue
		}
		transactions = append(transactions, txns...)
	}

	slog.Info("Parsed OFX file",
		"household_id", p.householdID,
		"total_transactions", len(transactions),
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)

	return transactions, nil
}

func (p *Parser) convertAll(list []ofxgo.Transaction, accountID string) ([]model.EnrichedTransaction, error) {
	transactions := make([]model.EnrichedTransaction, 0, len(list))
	for _, ofxTx := range list {
		tx, err := p.convertTransaction(ofxTx, accountID)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

// convertTransaction converts an OFX transaction to our model.
func (p *Parser) convertTransaction(ofxTx ofxgo.Transaction, accountID string) (model.EnrichedTransaction, error) {
	amount, err := decimal.NewFromString(ofxTx.TrnAmt.FloatString(2))
	if err != nil {
		return model.EnrichedTransaction{}, fmt.Errorf("invalid amount for %s: %w", ofxTx.FiTID, err)
	}

	description := strings.TrimSpace(string(ofxTx.Name))
	if description == "" {
		description = strings.TrimSpace(string(ofxTx.Memo))
	}

	date := ofxTx.DtPosted.Time
	tx := model.EnrichedTransaction{
		ID:           transactionID(p.householdID, accountID, string(ofxTx.FiTID)),
		HouseholdID:  p.householdID,
		AccountID:    accountID,
		Date:         model.DateOnly(date),
		Description:  description,
		MerchantName: extractMerchantName(ofxTx),
		Amount:       amount.Neg(),
		ReviewStatus: model.ReviewNone,
	}
	if err := tx.Validate(); err != nil {
		return model.EnrichedTransaction{}, fmt.Errorf("transaction %s: %w", ofxTx.FiTID, err)
	}
	return tx, nil
}

// transactionID derives a stable id from the provider's FITID.
func transactionID(householdID, accountID, fitID string) string {
	return uuid.NewSHA1(transactionNamespace, []byte(householdID+"\x00"+accountID+"\x00"+fitID)).String()
}

// extractMerchantName tries to get a clean merchant name from OFX data.
func extractMerchantName(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}

	name := string(tx.Name)
	if tx.Memo != "" && isGenericDescription(name) {
		name = string(tx.Memo)
	}
	name = strings.TrimSpace(name)

	prefixes := []string{
		"POS PURCHASE ",
		"PURCHASE AUTHORIZED ON ",
		"DEBIT CARD PURCHASE ",
		"ACH DEBIT ",
		"CHECK CARD ",
		"VISA PURCHASE ",
		"MC PURCHASE ",
		"DEBIT PURCHASE ",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// Leading "MM/DD " authorization dates.
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}

	return name
}

func isGenericDescription(name string) bool {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}
