package models

import "time"

type JobMode string

const (
	JobModeInstant  JobMode = "instant"
	JobModeTraining JobMode = "training"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionAdminGrant TransactionType = "admin_grant"
	TransactionRefund     TransactionType = "refund"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

type Account struct {
	UserID      int64
	DisplayName string
	Balance     int
	TotalSpent  int
	ModelRef    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasModel reports whether a personalized model was trained for the account.
func (a *Account) HasModel() bool {
	return a != nil && a.ModelRef != ""
}

type Transaction struct {
	ID          int64
	UserID      int64
	Type        TransactionType
	Status      TransactionStatus
	Credits     int
	Amount      string
	Medium      string
	PackageID   string
	ExternalRef string
	JobID       *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Job struct {
	ID             int64
	UserID         int64
	Mode           JobMode
	Style          string
	CreditsCharged int
	Status         JobStatus
	ExternalID     string
	OutputRef      string
	ErrorKind      string
	ErrorMessage   string
	Progress       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

type JobStats struct {
	Mode   JobMode
	Status JobStatus
	Count  int
}
