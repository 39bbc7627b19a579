package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

// LedgerService owns every balance mutation. Mutations are single conditional statements; the
// audit row is written afterwards with retry so a successful mutation never loses its record.
type LedgerService struct {
	db              *sql.DB
	accounts        *repository.AccountRepository
	transactions    *repository.TransactionRepository
	startingBalance int
	log             *slog.Logger

	retryAttempts int
	retryDelay    time.Duration
}

func NewLedgerService(db *sql.DB, accounts *repository.AccountRepository, transactions *repository.TransactionRepository, startingBalance int, log *slog.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		accounts:        accounts,
		transactions:    transactions,
		startingBalance: startingBalance,
		log:             log.With(sl.Module("service.ledger")),
		retryAttempts:   recordAttempts,
		retryDelay:      recordRetryDelay,
	}
}

// GetOrCreate returns the account, creating it with the starting balance on first contact.
func (s *LedgerService) GetOrCreate(ctx context.Context, userID int64, displayName string) (*models.Account, error) {
	account, created, err := s.accounts.Ensure(ctx, userID, displayName, s.startingBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure account %d: %w", userID, err)
	}
	if created {
		s.log.Info("account created", sl.User(userID), slog.Int("balance", account.Balance))
	}
	return account, nil
}

func (s *LedgerService) Account(ctx context.Context, userID int64) (*models.Account, error) {
	account, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (int, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Debit charges amount or returns ErrInsufficientFunds without touching the balance.
func (s *LedgerService) Debit(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ok, err := s.accounts.Debit(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *LedgerService) Credit(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ok, err := s.accounts.Credit(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	return nil
}

// Grant credits an operator-issued amount and records it as an admin_grant transaction.
func (s *LedgerService) Grant(ctx context.Context, userID int64, amount int, note string) (*models.Transaction, error) {
	if err := s.Credit(ctx, userID, amount); err != nil {
		return nil, err
	}
	tx := &models.Transaction{
		UserID:      userID,
		Type:        models.TransactionAdminGrant,
		Status:      models.TransactionCompleted,
		Credits:     amount,
		ExternalRef: note,
	}
	err := retry(ctx, s.retryAttempts, s.retryDelay, func() error {
		return s.transactions.Create(ctx, tx)
	})
	if err != nil {
		s.log.Error("grant applied but not recorded", sl.User(userID), slog.Int("credits", amount), sl.Err(err))
		return nil, fmt.Errorf("record grant: %w", err)
	}
	s.log.Info("credits granted", sl.User(userID), slog.Int("credits", amount), slog.Int64("tx_id", tx.ID))
	return tx, nil
}

// RefundJob returns the credits charged for a failed job. Callers must hold the job's terminal
// transition, which makes the balance mutation happen once per job.
func (s *LedgerService) RefundJob(ctx context.Context, job *models.Job) error {
	jobID := job.ID
	return s.refund(ctx, job.UserID, job.CreditsCharged, &jobID)
}

// RefundCharge returns a debit that never became a job.
func (s *LedgerService) RefundCharge(ctx context.Context, userID int64, amount int) error {
	return s.refund(ctx, userID, amount, nil)
}

func (s *LedgerService) refund(ctx context.Context, userID int64, amount int, jobID *int64) error {
	if amount <= 0 {
		return nil
	}
	ok, err := s.accounts.Refund(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("refund %d credits to %d: %w", amount, userID, err)
	}
	if !ok {
		return ErrAccountNotFound
	}

	tx := &models.Transaction{
		UserID:  userID,
		Type:    models.TransactionRefund,
		Status:  models.TransactionCompleted,
		Credits: amount,
		JobID:   jobID,
	}
	err = retry(ctx, s.retryAttempts, s.retryDelay, func() error {
		if jobID != nil {
			// An earlier attempt may have committed before its error surfaced.
			existing, err := s.transactions.FindRefundForJob(ctx, *jobID)
			if err != nil {
				return err
			}
			if existing != nil {
				*tx = *existing
				return nil
			}
		}
		return s.transactions.Create(ctx, tx)
	})
	if err != nil {
		s.log.Error("refund applied but not recorded", sl.User(userID), slog.Int("credits", amount), sl.Err(err))
		return fmt.Errorf("record refund: %w", err)
	}
	s.log.Info("credits refunded", sl.User(userID), slog.Int("credits", amount), slog.Int64("tx_id", tx.ID))
	return nil
}

func (s *LedgerService) SetModelRef(ctx context.Context, userID int64, ref string) error {
	return retry(ctx, s.retryAttempts, s.retryDelay, func() error {
		return s.accounts.SetModelRef(ctx, userID, ref)
	})
}

func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	return s.transactions.ListByUser(ctx, userID, limit)
}

func (s *LedgerService) UserIDs(ctx context.Context) ([]int64, error) {
	return s.accounts.ListUserIDs(ctx)
}

// RecordPurchase writes a pending purchase row.
func (s *LedgerService) RecordPurchase(ctx context.Context, tx *models.Transaction) error {
	tx.Type = models.TransactionPurchase
	tx.Status = models.TransactionPending
	return s.transactions.Create(ctx, tx)
}

func (s *LedgerService) Transaction(ctx context.Context, id int64) (*models.Transaction, error) {
	tx, err := s.transactions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *LedgerService) PendingPurchases(ctx context.Context, limit int) ([]models.Transaction, error) {
	return s.transactions.ListByStatus(ctx, models.TransactionPending, limit)
}

// CompletePurchase flips a pending purchase to completed and credits its package inside one SQL
// transaction, so a confirmed purchase always carries its credits.
func (s *LedgerService) CompletePurchase(ctx context.Context, id int64) (*models.Transaction, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	transactions := s.transactions.WithTx(sqlTx)
	accounts := s.accounts.WithTx(sqlTx)

	purchase, err := transactions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchase == nil || purchase.Type != models.TransactionPurchase {
		return nil, ErrTransactionNotFound
	}
	ok, err := transactions.UpdateStatus(ctx, id, models.TransactionPending, models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionNotPending
	}
	credited, err := accounts.Credit(ctx, purchase.UserID, purchase.Credits)
	if err != nil {
		return nil, err
	}
	if !credited {
		return nil, ErrAccountNotFound
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purchase %d: %w", id, err)
	}

	purchase.Status = models.TransactionCompleted
	s.log.Info("purchase completed", sl.User(purchase.UserID), slog.Int64("tx_id", id), slog.Int("credits", purchase.Credits))
	return purchase, nil
}

// FailPurchase marks a pending purchase as failed.
func (s *LedgerService) FailPurchase(ctx context.Context, id int64) (*models.Transaction, error) {
	purchase, err := s.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchase.Type != models.TransactionPurchase {
		return nil, ErrTransactionNotFound
	}
	ok, err := s.transactions.UpdateStatus(ctx, id, models.TransactionPending, models.TransactionFailed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionNotPending
	}
	purchase.Status = models.TransactionFailed
	s.log.Info("purchase rejected", sl.User(purchase.UserID), slog.Int64("tx_id", id))
	return purchase, nil
}
