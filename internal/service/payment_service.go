package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

// amountPlaces is the precision of the expected crypto amount.
const amountPlaces = 8

// Medium is a crypto currency the operator accepts, with its USD rate.
type Medium struct {
	Code    string
	Address string
	RateUSD decimal.Decimal
}

// Instructions tell the user where and how much to pay.
type Instructions struct {
	Transaction *models.Transaction
	Package     catalog.Package
	Medium      Medium
	Amount      decimal.Decimal
	Reference   string
}

// PaymentService records purchase intents and settles them on operator decision. Nothing here
// looks at a blockchain: a confirmed purchase is whatever an operator confirmed.
type PaymentService struct {
	ledger  *LedgerService
	catalog *catalog.Catalog
	media   map[string]Medium
	log     *slog.Logger
}

// NewPaymentService builds the accepted media from wallet and rate tables keyed by currency code.
// Stablecoins (codes starting with USDT or USDC) default to a rate of 1.
func NewPaymentService(ledger *LedgerService, cat *catalog.Catalog, wallets, rates map[string]string, log *slog.Logger) (*PaymentService, error) {
	media := make(map[string]Medium, len(wallets))
	for code, address := range wallets {
		code = strings.ToUpper(code)
		rate := decimal.Zero
		if raw, ok := rates[code]; ok {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("rate for %s: %w", code, err)
			}
			rate = parsed
		} else if isStablecoin(code) {
			rate = decimal.NewFromInt(1)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("no usd rate configured for %s", code)
		}
		media[code] = Medium{Code: code, Address: address, RateUSD: rate}
	}
	return &PaymentService{
		ledger:  ledger,
		catalog: cat,
		media:   media,
		log:     log.With(sl.Module("service.payment")),
	}, nil
}

func isStablecoin(code string) bool {
	return strings.HasPrefix(code, "USDT") || strings.HasPrefix(code, "USDC")
}

// Enabled reports whether any payment medium is configured.
func (s *PaymentService) Enabled() bool {
	return len(s.media) > 0 && len(s.catalog.Packages()) > 0
}

func (s *PaymentService) Media() []Medium {
	out := make([]Medium, 0, len(s.media))
	for _, m := range s.media {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *PaymentService) Packages() []catalog.Package {
	return s.catalog.Packages()
}

// Quote computes the expected crypto amount for a package.
func (s *PaymentService) Quote(pkg catalog.Package, medium Medium) decimal.Decimal {
	return pkg.PriceUSD.DivRound(medium.RateUSD, amountPlaces)
}

// CreateIntent records a pending purchase and returns payment instructions.
func (s *PaymentService) CreateIntent(ctx context.Context, userID int64, packageID, mediumCode string) (*Instructions, error) {
	pkg, ok := s.catalog.Package(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}
	medium, ok := s.media[strings.ToUpper(mediumCode)]
	if !ok {
		return nil, ErrUnknownMedium
	}

	amount := s.Quote(pkg, medium)
	reference := uuid.NewString()
	tx := &models.Transaction{
		UserID:      userID,
		Credits:     pkg.Credits,
		Amount:      amount.StringFixed(amountPlaces),
		Medium:      medium.Code,
		PackageID:   pkg.ID,
		ExternalRef: reference,
	}
	if err := s.ledger.RecordPurchase(ctx, tx); err != nil {
		return nil, fmt.Errorf("record purchase intent: %w", err)
	}
	s.log.Info("purchase intent created", sl.User(userID), slog.Int64("tx_id", tx.ID), slog.String("package", pkg.ID), slog.String("medium", medium.Code), slog.String("amount", tx.Amount))

	return &Instructions{
		Transaction: tx,
		Package:     pkg,
		Medium:      medium,
		Amount:      amount,
		Reference:   reference,
	}, nil
}

// RequestConfirmation is the user's "I have paid". It only checks that the purchase is theirs and
// still pending; crediting is left to an operator.
func (s *PaymentService) RequestConfirmation(ctx context.Context, userID, txID int64) (*models.Transaction, error) {
	tx, err := s.ledger.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Type != models.TransactionPurchase {
		return nil, ErrTransactionNotFound
	}
	if tx.UserID != userID {
		return nil, ErrNotOwner
	}
	if tx.Status != models.TransactionPending {
		return nil, ErrTransactionNotPending
	}
	s.log.Info("payment confirmation requested", sl.User(userID), slog.Int64("tx_id", txID))
	return tx, nil
}

// Confirm credits a pending purchase. Only operators reach this.
func (s *PaymentService) Confirm(ctx context.Context, txID int64) (*models.Transaction, error) {
	return s.ledger.CompletePurchase(ctx, txID)
}

func (s *PaymentService) Reject(ctx context.Context, txID int64) (*models.Transaction, error) {
	return s.ledger.FailPurchase(ctx, txID)
}

func (s *PaymentService) Pending(ctx context.Context, limit int) ([]models.Transaction, error) {
	return s.ledger.PendingPurchases(ctx, limit)
}
