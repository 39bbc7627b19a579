package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGAvatarBot/internal/models"
)

type TransactionRepository struct {
	db  DBTX
	now Clock
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db, now: defaultClock}
}

// WithTx returns a copy bound to tx.
func (r *TransactionRepository) WithTx(tx *sql.Tx) *TransactionRepository {
	return &TransactionRepository{db: tx, now: r.now}
}

func (r *TransactionRepository) WithClock(now Clock) *TransactionRepository {
	r.now = now
	return r
}

const transactionColumns = `id, user_id, type, status, credits, COALESCE(amount, ''), COALESCE(medium, ''), COALESCE(package_id, ''), COALESCE(external_ref, ''), job_id, created_at, updated_at`

func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	const query = `
INSERT INTO transactions (user_id, type, status, credits, amount, medium, package_id, external_ref, job_id, created_at, updated_at)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	now := r.now()
	res, err := r.db.ExecContext(ctx, query, tx.UserID, tx.Type, tx.Status, tx.Credits, tx.Amount, tx.Medium, tx.PackageID, tx.ExternalRef, nullInt64(tx.JobID), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	tx.ID = id
	tx.CreatedAt = unixTime(now.Unix())
	tx.UpdatedAt = tx.CreatedAt
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, id int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// FindRefundForJob returns the refund row written for jobID, or nil.
func (r *TransactionRepository) FindRefundForJob(ctx context.Context, jobID int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE type = ? AND job_id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, models.TransactionRefund, jobID))
}

// UpdateStatus moves a transaction from one status to another. It reports false when the row was
// not in the expected status, which makes confirmation and rejection race-safe.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, id int64, from, to models.TransactionStatus) (bool, error) {
	const query = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, to, r.now().Unix(), id, from)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transaction rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = ? ORDER BY id ASC LIMIT ?`
	return r.list(ctx, query, status, limit)
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) scanOne(row *sql.Row) (*models.Transaction, error) {
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*models.Transaction, error) {
	var tx models.Transaction
	var jobID sql.NullInt64
	var created, updated int64
	if err := s.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Status, &tx.Credits, &tx.Amount, &tx.Medium, &tx.PackageID, &tx.ExternalRef, &jobID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if jobID.Valid {
		tx.JobID = &jobID.Int64
	}
	tx.CreatedAt = unixTime(created)
	tx.UpdatedAt = unixTime(updated)
	return &tx, nil
}
