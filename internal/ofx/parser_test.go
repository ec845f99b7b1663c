package ofx

import (
	"context"
	"strings"
	"testing"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/aclindsa/ofxgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBankOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>021000021
<ACCTID>000123456
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20240301120000[0:GMT]
<DTEND>20240331120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240314120000[0:GMT]
<TRNAMT>-52.10
<FITID>2024031401
<NAME>ACH DEBIT CITY POWER
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20240304120000[0:GMT]
<TRNAMT>25.00
<FITID>2024030401
<NAME>VENMO CASHOUT
<MEMO>Sam dinner
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240301120000[0:GMT]
<TRNAMT>-60.00
<FITID>2024030101
<NAME>DEBIT
<MEMO>TRATTORIA ROMA
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>1000.00
<DTASOF>20240331120000[0:GMT]
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

const sampleCreditCardOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>USD
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20240301120000[0:GMT]
<DTEND>20240331120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240310120000[0:GMT]
<TRNAMT>-15.49
<FITID>CC2024031001
<NAME>03/09 NETFLIX.COM
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-15.49
<DTASOF>20240331120000[0:GMT]
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`

func TestParseFile(t *testing.T) {
	tests := []struct {
		name          string
		ofxData       string
		household     string
		expectedCount int
		expectedError bool
	}{
		{name: "bank statement", ofxData: sampleBankOFX, household: "hh1", expectedCount: 3},
		{name: "credit card statement", ofxData: sampleCreditCardOFX, household: "hh1", expectedCount: 1},
		{name: "invalid OFX data", ofxData: "not valid OFX", household: "hh1", expectedError: true},
		{name: "empty OFX", ofxData: "", household: "hh1", expectedError: true},
		{name: "missing household", ofxData: sampleBankOFX, expectedError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transactions, err := NewParser(tt.household).ParseFile(context.Background(), strings.NewReader(tt.ofxData))
			if tt.expectedError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, transactions, tt.expectedCount)
		})
	}
}

func TestParseBankTransactions(t *testing.T) {
	transactions, err := NewParser("hh1").ParseFile(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	require.Len(t, transactions, 3)

	power := transactions[0]
	assert.Equal(t, "hh1", power.HouseholdID)
	assert.Equal(t, "000123456", power.AccountID)
	assert.Equal(t, "ACH DEBIT CITY POWER", power.Description)
	assert.Equal(t, "CITY POWER", power.MerchantName)
	assert.Equal(t, "52.1", power.Amount.String(), "debits are positive outflows")
	assert.Equal(t, "2024-03-14", power.Date.Format(model.DateLayout))
	assert.False(t, power.IsInflow())

	venmo := transactions[1]
	assert.True(t, venmo.IsInflow(), "credits are negative inflows")
	assert.Equal(t, "-25", venmo.Amount.String())
	assert.Equal(t, "VENMO CASHOUT", venmo.MerchantName)

	dinner := transactions[2]
	assert.Equal(t, "DEBIT", dinner.Description)
	assert.Equal(t, "TRATTORIA ROMA", dinner.MerchantName, "generic names fall back to the memo")
}

func TestParseFile_StableIDs(t *testing.T) {
	first, err := NewParser("hh1").ParseFile(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	second, err := NewParser("hh1").ParseFile(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	other, err := NewParser("hh2").ParseFile(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.NotEqual(t, first[i].ID, other[i].ID)
	}
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestParseCreditCardTransactions(t *testing.T) {
	transactions, err := NewParser("hh1").ParseFile(context.Background(), strings.NewReader(sampleCreditCardOFX))
	require.NoError(t, err)
	require.Len(t, transactions, 1)

	tx := transactions[0]
	assert.Equal(t, "4111111111111111", tx.AccountID)
	assert.Equal(t, "NETFLIX.COM", tx.MerchantName)
	assert.Equal(t, "15.49", tx.Amount.String())
}

func TestParseFile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewParser("hh1").ParseFile(ctx, strings.NewReader(sampleBankOFX))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractMerchantName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		memo     string
		expected string
	}{
		{name: "remove POS prefix", input: "POS PURCHASE STARBUCKS", expected: "STARBUCKS"},
		{name: "remove DEBIT CARD prefix", input: "DEBIT CARD PURCHASE WHOLE FOODS", expected: "WHOLE FOODS"},
		{name: "strip authorization date", input: "03/09 NETFLIX.COM", expected: "NETFLIX.COM"},
		{name: "keep clean name", input: "NETFLIX.COM", expected: "NETFLIX.COM"},
		{name: "trim whitespace", input: "  AMAZON.COM  ", expected: "AMAZON.COM"},
		{name: "generic name uses memo", input: "PAYMENT", memo: "CITY WATER", expected: "CITY WATER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := ofxgo.Transaction{Name: ofxgo.String(tt.input), Memo: ofxgo.String(tt.memo)}
			assert.Equal(t, tt.expected, extractMerchantName(tx))
		})
	}
}

func TestPreprocessOFX(t *testing.T) {
	in := "\n\n  <SEVERITY>Info</SEVERITY>\n<CODE\n"
	out := preprocessOFX(in)
	assert.Equal(t, "<SEVERITY>INFO</SEVERITY>\n<CODE>\n", out)
}
