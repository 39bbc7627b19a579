package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

// ErrorKind is the user-facing category of a failed paid operation.
type ErrorKind string

const (
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindValidation        ErrorKind = "validation"
	KindRateLimit         ErrorKind = "rate_limit"
	KindBilling           ErrorKind = "billing"
	KindAuth              ErrorKind = "auth"
	KindTimeout           ErrorKind = "timeout"
	KindTransient         ErrorKind = "transient"
	KindCanceled          ErrorKind = "canceled"
	KindPersistence       ErrorKind = "persistence"
	KindUnknown           ErrorKind = "unknown"
)

const maxErrorMessage = 100

// JobError is returned by the orchestrator for every failed attempt. Refunded reports whether the
// charged credits went back to the balance.
type JobError struct {
	Kind     ErrorKind
	Message  string
	Refunded bool
	Err      error
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return KindInsufficientFunds
	}
	return KindUnknown
}

func newJobError(kind ErrorKind, err error) *JobError {
	msg := ""
	if err != nil {
		msg = truncate(err.Error(), maxErrorMessage)
	}
	return &JobError{Kind: kind, Message: msg, Err: err}
}

// classify maps a provider or transport failure to an ErrorKind. HTTP status wins; the message
// text is consulted only when the status says nothing.
func classify(err error) *JobError {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return newJobError(KindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newJobError(KindTimeout, err)
	case errors.Is(err, ErrInsufficientFunds):
		return newJobError(KindInsufficientFunds, err)
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		if kind, ok := kindForStatus(perr.StatusCode); ok {
			return newJobError(kind, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newJobError(KindTimeout, err)
		}
		return newJobError(KindTransient, err)
	}

	return newJobError(classifyMessage(err.Error()), err)
}

func kindForStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status == http.StatusPaymentRequired:
		return KindBilling, true
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation, true
	case status >= 500:
		return KindTransient, true
	}
	return "", false
}

func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "billing") || strings.Contains(lower, "payment"):
		return KindBilling
	case strings.Contains(lower, "api") || strings.Contains(lower, "token"):
		return KindAuth
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "throttl"):
		return KindRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return KindTimeout
	}
	return KindUnknown
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
