package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/models"
)

func newPayments(t *testing.T, f *fixture) *PaymentService {
	t.Helper()
	payments, err := NewPaymentService(f.ledger, catalog.Default(),
		map[string]string{"USDT_TRC20": "TXwallet", "BTC": "bc1qwallet"},
		map[string]string{"BTC": "65000"},
		testLogger())
	require.NoError(t, err)
	return payments
}

func TestPaymentMediaRequireRates(t *testing.T) {
	f := newFixture(t, testSettings())
	_, err := NewPaymentService(f.ledger, catalog.Default(), map[string]string{"ETH": "0xabc"}, nil, testLogger())
	require.Error(t, err)

	payments := newPayments(t, f)
	media := payments.Media()
	require.Len(t, media, 2)
	assert.Equal(t, "BTC", media[0].Code)
	assert.True(t, media[1].RateUSD.Equal(decimal.NewFromInt(1)))
	assert.True(t, payments.Enabled())
}

func TestCreateIntentRecordsPendingPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	payments := newPayments(t, f)
	_, err := f.ledger.GetOrCreate(ctx, 42, "")
	require.NoError(t, err)

	ins, err := payments.CreateIntent(ctx, 42, "m", "btc")
	require.NoError(t, err)
	assert.Equal(t, "bc1qwallet", ins.Medium.Address)
	assert.Equal(t, "0.00018462", ins.Amount.StringFixed(8))
	assert.NotEmpty(t, ins.Reference)
	assert.Equal(t, models.TransactionPending, ins.Transaction.Status)
	assert.Equal(t, 30, ins.Transaction.Credits)

	stable, err := payments.CreateIntent(ctx, 42, "s", "USDT_TRC20")
	require.NoError(t, err)
	assert.Equal(t, "5.00000000", stable.Transaction.Amount)

	_, err = payments.CreateIntent(ctx, 42, "xxl", "BTC")
	assert.ErrorIs(t, err, ErrUnknownPackage)
	_, err = payments.CreateIntent(ctx, 42, "s", "DOGE")
	assert.ErrorIs(t, err, ErrUnknownMedium)

	assert.Equal(t, 3, f.balance(t, 42), "an intent alone never credits")
}

func TestConfirmationFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	payments := newPayments(t, f)
	_, err := f.ledger.GetOrCreate(ctx, 42, "")
	require.NoError(t, err)

	ins, err := payments.CreateIntent(ctx, 42, "s", "USDT_TRC20")
	require.NoError(t, err)
	txID := ins.Transaction.ID

	_, err = payments.RequestConfirmation(ctx, 43, txID)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = payments.RequestConfirmation(ctx, 42, txID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.balance(t, 42))

	pending, err := payments.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	confirmed, err := payments.Confirm(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionCompleted, confirmed.Status)
	assert.Equal(t, 13, f.balance(t, 42))

	_, err = payments.Confirm(ctx, txID)
	assert.ErrorIs(t, err, ErrTransactionNotPending)
	_, err = payments.Reject(ctx, txID)
	assert.ErrorIs(t, err, ErrTransactionNotPending)
	_, err = payments.RequestConfirmation(ctx, 42, txID)
	assert.ErrorIs(t, err, ErrTransactionNotPending)
	assert.Equal(t, 13, f.balance(t, 42))
}

func TestRejectLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	payments := newPayments(t, f)
	_, err := f.ledger.GetOrCreate(ctx, 42, "")
	require.NoError(t, err)

	ins, err := payments.CreateIntent(ctx, 42, "l", "BTC")
	require.NoError(t, err)
	rejected, err := payments.Reject(ctx, ins.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, rejected.Status)
	assert.Equal(t, 3, f.balance(t, 42))

	_, err = payments.Confirm(ctx, 9999)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
