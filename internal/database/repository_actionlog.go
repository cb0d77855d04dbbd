package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendActionLog records one pipeline decision in the audit trail.
// Appended on every run regardless of outcome.
func (r *Repository) AppendActionLog(ctx context.Context, entry *ActionLog) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal action-log metadata: %w", err)
		}
	}

	query := `
		INSERT INTO action_logs (run_id, subscription_id, action, outcome, symbol,
			price, quantity, balance, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		entry.RunID, entry.SubscriptionID, entry.Action, entry.Outcome,
		nullIfEmpty(entry.Symbol), entry.Price, entry.Quantity, entry.Balance,
		entry.Reason, metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// GetRecentActionLogs retrieves the latest action-log entries for a
// subscription, newest first.
func (r *Repository) GetRecentActionLogs(ctx context.Context, subscriptionID string, limit int) ([]*ActionLog, error) {
	query := `
		SELECT id, run_id, subscription_id, action, outcome,
		       COALESCE(symbol, ''), price, quantity, balance,
		       COALESCE(reason, ''), metadata, created_at
		FROM action_logs
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ActionLog
	for rows.Next() {
		entry := &ActionLog{}
		var metadata []byte
		err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.SubscriptionID, &entry.Action,
			&entry.Outcome, &entry.Symbol, &entry.Price, &entry.Quantity,
			&entry.Balance, &entry.Reason, &metadata, &entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal action-log metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
