package service

import "errors"

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionNotPending = errors.New("transaction is not pending")
	ErrNotOwner              = errors.New("transaction belongs to another user")
	ErrUnknownPackage        = errors.New("unknown credit package")
	ErrUnknownMedium         = errors.New("unknown payment medium")
)
