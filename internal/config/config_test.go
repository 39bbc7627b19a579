package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:ABC-def")
	t.Setenv("REPLICATE_API_TOKEN", "r8_secret")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 3, cfg.StartingBalance)
	assert.Equal(t, 5, cfg.MinTrainingPhotos)
	assert.Equal(t, 10, cfg.MaxTrainingPhotos)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.MaxTrainingWait)
	assert.Empty(t, cfg.AdminIDs)
	assert.False(t, cfg.S3Enabled())
	assert.False(t, cfg.ProgressFromLogs)
	assert.Equal(t, 1000, cfg.TrainingSteps)
}

func TestFromEnvMissingCredentials(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("REPLICATE_API_TOKEN", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "REPLICATE_API_TOKEN")
}

func TestFromEnvRejectsTokenWithoutSeparator(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456ABCdef")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestFromEnvSanitizesTokens(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", " 123456:ABC\u200b-def\n")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "123456:ABC-def", cfg.BotToken)
}

func TestFromEnvAdminIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_IDS", "42, 7")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 7}, cfg.AdminIDs)

	t.Setenv("ADMIN_IDS", "42,abc")
	_, err = FromEnv()
	require.Error(t, err)
}

func TestFromEnvCryptoWallets(t *testing.T) {
	setRequired(t)
	t.Setenv("CRYPTO_WALLETS", "usdt_trc20=TXabc, btc=bc1qxyz")
	t.Setenv("CRYPTO_RATES", "BTC=65000")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"USDT_TRC20": "TXabc", "BTC": "bc1qxyz"}, cfg.CryptoWallets)
	assert.Equal(t, "65000", cfg.CryptoRates["BTC"])

	t.Setenv("CRYPTO_WALLETS", "BTC")
	_, err = FromEnv()
	require.Error(t, err)
}

func TestValidateRejectsBadPhotoBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("MIN_TRAINING_PHOTOS", "11")

	_, err := FromEnv()
	require.Error(t, err)
}

func TestValidateRejectsMorePhotosThanSessionHolds(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_TRAINING_PHOTOS", "11")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TRAINING_PHOTOS")

	t.Setenv("MAX_TRAINING_PHOTOS", "10")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxTrainingPhotos)
}
