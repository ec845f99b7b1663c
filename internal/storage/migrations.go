package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS subcategories (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					is_active INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS recurring_items (
					id TEXT PRIMARY KEY,
					household_id TEXT NOT NULL,
					merchant_name TEXT NOT NULL,
					expected_amount TEXT NOT NULL,
					is_variable INTEGER NOT NULL DEFAULT 0,
					frequency TEXT NOT NULL,
					anchor_day INTEGER NOT NULL DEFAULT 0,
					next_due_date TEXT NOT NULL,
					due_window_days_before INTEGER NOT NULL DEFAULT 0,
					due_window_days_after INTEGER NOT NULL DEFAULT 0,
					amount_variance_percent TEXT NOT NULL DEFAULT '0',
					amount_variance_absolute TEXT NOT NULL DEFAULT '0',
					deterministic_match_threshold REAL NOT NULL,
					weight_due_date REAL NOT NULL,
					weight_amount REAL NOT NULL,
					weight_recency REAL NOT NULL,
					score_version TEXT NOT NULL,
					tie_break_policy TEXT NOT NULL,
					last_observed_at TEXT,
					is_active INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					CHECK (deterministic_match_threshold BETWEEN 0 AND 1)
				)`,
				`CREATE INDEX idx_recurring_household ON recurring_items(household_id, is_active)`,

				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					household_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					date TEXT NOT NULL,
					description TEXT NOT NULL,
					merchant_name TEXT NOT NULL DEFAULT '',
					amount TEXT NOT NULL,
					recurring_item_id TEXT REFERENCES recurring_items(id),
					subcategory_id TEXT,
					review_status TEXT NOT NULL DEFAULT 'none',
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_transactions_household_date ON transactions(household_id, date)`,

				`CREATE TABLE IF NOT EXISTS transaction_splits (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL REFERENCES transactions(id),
					position INTEGER NOT NULL,
					subcategory_id TEXT,
					amount TEXT NOT NULL,
					amortization_months INTEGER NOT NULL DEFAULT 1,
					notes TEXT NOT NULL DEFAULT '',
					CHECK (amortization_months >= 1)
				)`,
				`CREATE INDEX idx_splits_transaction ON transaction_splits(transaction_id)`,

				`CREATE TABLE IF NOT EXISTS pattern_rules (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					household_id TEXT NOT NULL,
					name TEXT NOT NULL,
					merchant_pattern TEXT NOT NULL DEFAULT '',
					match_mode TEXT NOT NULL DEFAULT 'exact',
					amount_condition TEXT NOT NULL DEFAULT 'any',
					amount_value TEXT,
					amount_min TEXT,
					amount_max TEXT,
					direction TEXT,
					subcategory_id TEXT NOT NULL,
					priority INTEGER NOT NULL DEFAULT 0,
					confidence REAL NOT NULL,
					is_active INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_pattern_rules_household ON pattern_rules(household_id, is_active)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Append-only classification outcomes",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS classification_outcomes (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL REFERENCES transactions(id),
					decision_code TEXT NOT NULL,
					subcategory_id TEXT,
					final_confidence REAL NOT NULL,
					review_status TEXT NOT NULL,
					decision_reason_code TEXT NOT NULL,
					decision_rationale TEXT NOT NULL DEFAULT '',
					agent_note_summary TEXT,
					assignment_source TEXT NOT NULL,
					assigned_by TEXT NOT NULL DEFAULT '',
					input_fingerprint TEXT NOT NULL,
					created_at TEXT NOT NULL,
					CHECK (final_confidence BETWEEN 0 AND 1),
					CHECK ((decision_code = 'needs_review') = (subcategory_id IS NULL))
				)`,
				`CREATE INDEX idx_outcomes_transaction ON classification_outcomes(transaction_id, created_at)`,

				`CREATE TABLE IF NOT EXISTS classification_stage_outputs (
					outcome_id TEXT NOT NULL REFERENCES classification_outcomes(id),
					stage_order INTEGER NOT NULL,
					stage_name TEXT NOT NULL,
					candidate_subcategory_id TEXT,
					confidence REAL NOT NULL,
					rationale_code TEXT NOT NULL DEFAULT '',
					rationale TEXT NOT NULL DEFAULT '',
					accepted INTEGER NOT NULL DEFAULT 0,
					escalated_to_next_stage INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (outcome_id, stage_order),
					CHECK (stage_order BETWEEN 1 AND 3),
					CHECK (confidence BETWEEN 0 AND 1)
				)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Reimbursement proposals",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS reimbursement_proposals (
					id TEXT PRIMARY KEY,
					incoming_transaction_id TEXT NOT NULL REFERENCES transactions(id),
					related_transaction_id TEXT REFERENCES transactions(id),
					related_split_id TEXT,
					proposed_amount TEXT NOT NULL,
					lifecycle_group_id TEXT NOT NULL,
					lifecycle_ordinal INTEGER NOT NULL,
					status TEXT NOT NULL,
					status_reason_code TEXT NOT NULL,
					status_rationale TEXT NOT NULL DEFAULT '',
					source TEXT NOT NULL,
					provenance TEXT NOT NULL DEFAULT '{}',
					supersedes_proposal_id TEXT REFERENCES reimbursement_proposals(id),
					superseded_by_proposal_id TEXT,
					decided_by_user_id TEXT,
					decided_at TEXT,
					created_at TEXT NOT NULL,
					UNIQUE (lifecycle_group_id, lifecycle_ordinal),
					CHECK (lifecycle_ordinal >= 1)
				)`,
				`CREATE INDEX idx_proposals_incoming ON reimbursement_proposals(incoming_transaction_id)`,
				`CREATE INDEX idx_proposals_pending ON reimbursement_proposals(status) WHERE decided_at IS NULL`,
			})
		},
	},
	{
		Version:     4,
		Description: "One automatic proposal group per incoming transaction",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX idx_proposals_auto_incoming
					ON reimbursement_proposals(incoming_transaction_id)
					WHERE source = 'deterministic' AND lifecycle_ordinal = 1`,
			})
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	// Verify we're at the expected schema version
	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
