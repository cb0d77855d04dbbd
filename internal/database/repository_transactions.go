package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateTransaction inserts a new OPEN transaction for a successful trade.
func (r *Repository) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = TransactionOpen
	}
	query := `
		INSERT INTO transactions (id, subscription_id, symbol, side, status, entry_price,
			quantity, leverage, stop_loss, take_profit, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		tx.ID, tx.SubscriptionID, tx.Symbol, tx.Side, tx.Status, tx.EntryPrice,
		tx.Quantity, tx.Leverage, tx.StopLoss, tx.TakeProfit, tx.OpenedAt,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
}

// CountOpenLocked counts OPEN transactions for a subscription+symbol while
// holding a row-level exclusive lock on them for the duration of a short
// transaction. This is the second layer of mutual exclusion behind the lock
// service: two pipelines racing on the same subscription cannot both observe
// zero open rows for the same symbol.
func (r *Repository) CountOpenLocked(ctx context.Context, subscriptionID, symbol string) (int, error) {
	dbTx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin symbol-lock transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	// FOR UPDATE locks the matching rows until commit; the aggregate runs
	// over the locked set.
	query := `
		SELECT COUNT(*) FROM (
			SELECT id FROM transactions
			WHERE subscription_id = $1 AND symbol = $2 AND status = 'OPEN'
			FOR UPDATE
		) locked
	`
	var count int
	if err := dbTx.QueryRow(ctx, query, subscriptionID, symbol).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open positions for %s/%s: %w", subscriptionID, symbol, err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit symbol-lock transaction: %w", err)
	}
	return count, nil
}

// GetOpenTransactions retrieves all OPEN transactions for a subscription.
func (r *Repository) GetOpenTransactions(ctx context.Context, subscriptionID string) ([]*Transaction, error) {
	query := `
		SELECT id, subscription_id, symbol, side, status, entry_price, exit_price,
		       quantity, leverage, stop_loss, take_profit, realized_pnl, unrealized_pnl,
		       opened_at, closed_at, created_at, updated_at
		FROM transactions
		WHERE subscription_id = $1 AND status = 'OPEN'
		ORDER BY opened_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		err := rows.Scan(
			&tx.ID, &tx.SubscriptionID, &tx.Symbol, &tx.Side, &tx.Status,
			&tx.EntryPrice, &tx.ExitPrice, &tx.Quantity, &tx.Leverage,
			&tx.StopLoss, &tx.TakeProfit, &tx.RealizedPnL, &tx.UnrealizedPnL,
			&tx.OpenedAt, &tx.ClosedAt, &tx.CreatedAt, &tx.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
