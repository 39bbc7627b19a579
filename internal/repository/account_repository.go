package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGAvatarBot/internal/database"
	"github.com/digkill/TGAvatarBot/internal/models"
)

type AccountRepository struct {
	db      DBTX
	dialect database.Dialect
	now     Clock
}

func NewAccountRepository(db DBTX, dialect database.Dialect) *AccountRepository {
	return &AccountRepository{db: db, dialect: dialect, now: defaultClock}
}

// WithTx returns a copy bound to tx.
func (r *AccountRepository) WithTx(tx *sql.Tx) *AccountRepository {
	return &AccountRepository{db: tx, dialect: r.dialect, now: r.now}
}

// WithClock overrides the time source, used by tests.
func (r *AccountRepository) WithClock(now Clock) *AccountRepository {
	r.now = now
	return r
}

func (r *AccountRepository) Get(ctx context.Context, userID int64) (*models.Account, error) {
	const query = `
SELECT user_id, COALESCE(display_name, ''), balance, total_spent, COALESCE(model_ref, ''), created_at, updated_at
FROM accounts WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var a models.Account
	var created, updated int64
	if err := row.Scan(&a.UserID, &a.DisplayName, &a.Balance, &a.TotalSpent, &a.ModelRef, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.CreatedAt = unixTime(created)
	a.UpdatedAt = unixTime(updated)
	return &a, nil
}

// Ensure creates the account with the starting balance unless it already exists. Concurrent
// callers race on the primary key; the first insert wins and the others read its row.
func (r *AccountRepository) Ensure(ctx context.Context, userID int64, displayName string, startingBalance int) (*models.Account, bool, error) {
	now := r.now().Unix()
	query := r.dialect.InsertIgnore() + ` INTO accounts (user_id, display_name, balance, total_spent, created_at, updated_at)
VALUES (?, NULLIF(?, ''), ?, 0, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, userID, displayName, startingBalance, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("account rows affected: %w", err)
	}

	account, err := r.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if account == nil {
		return nil, false, fmt.Errorf("account %d vanished after insert", userID)
	}
	if affected == 0 && displayName != "" && displayName != account.DisplayName {
		if err := r.UpdateDisplayName(ctx, userID, displayName); err != nil {
			return nil, false, err
		}
		account.DisplayName = displayName
	}
	return account, affected > 0, nil
}

func (r *AccountRepository) UpdateDisplayName(ctx context.Context, userID int64, displayName string) error {
	const query = `UPDATE accounts SET display_name = NULLIF(?, ''), updated_at = ? WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, displayName, r.now().Unix(), userID); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// Debit subtracts amount only when the balance covers it. The check and the subtraction are a
// single statement, so two concurrent debits can never both observe the same balance.
func (r *AccountRepository) Debit(ctx context.Context, userID int64, amount int) (bool, error) {
	const query = `
UPDATE accounts SET balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
WHERE user_id = ? AND balance >= ?`
	res, err := r.db.ExecContext(ctx, query, amount, amount, r.now().Unix(), userID, amount)
	if err != nil {
		return false, fmt.Errorf("debit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit rows affected: %w", err)
	}
	return affected > 0, nil
}

// Credit adds amount to the balance. It reports false when the account does not exist.
func (r *AccountRepository) Credit(ctx context.Context, userID int64, amount int) (bool, error) {
	const query = `UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, r.now().Unix(), userID)
	if err != nil {
		return false, fmt.Errorf("credit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credit rows affected: %w", err)
	}
	return affected > 0, nil
}

// Refund returns amount to the balance and takes it back out of the cumulative spend.
func (r *AccountRepository) Refund(ctx context.Context, userID int64, amount int) (bool, error) {
	const query = `
UPDATE accounts
SET balance = balance + ?,
    total_spent = CASE WHEN total_spent >= ? THEN total_spent - ? ELSE 0 END,
    updated_at = ?
WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, amount, amount, r.now().Unix(), userID)
	if err != nil {
		return false, fmt.Errorf("refund account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refund rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *AccountRepository) SetModelRef(ctx context.Context, userID int64, ref string) error {
	const query = `UPDATE accounts SET model_ref = NULLIF(?, ''), updated_at = ? WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, ref, r.now().Unix(), userID); err != nil {
		return fmt.Errorf("set model ref: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT user_id FROM accounts ORDER BY user_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
