package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/conversation"
	"github.com/digkill/TGAvatarBot/internal/database"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/internal/service"
)

type recordingOutbox struct {
	mu    sync.Mutex
	texts map[int64][]string
}

func (o *recordingOutbox) SendText(_ context.Context, chatID int64, text string, _ conversation.Keyboard) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.texts == nil {
		o.texts = make(map[int64][]string)
	}
	o.texts[chatID] = append(o.texts[chatID], text)
	return len(o.texts[chatID]), nil
}

func (o *recordingOutbox) EditText(context.Context, int64, int, string) error { return nil }

func (o *recordingOutbox) SendPhotos(context.Context, int64, []string, string) error { return nil }

func (o *recordingOutbox) sent(chatID int64) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.texts[chatID]...)
}

type harness struct {
	server   *Server
	ledger   *service.LedgerService
	payments *service.PaymentService
	outbox   *recordingOutbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := database.Connect(ctx, "sqlite", filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db, dialect))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := service.NewLedgerService(db, repository.NewAccountRepository(db, dialect), repository.NewTransactionRepository(db), 3, log)
	generation := service.NewGenerationService(service.GenerationSettings{TrainingCost: 10}, ledger, repository.NewJobRepository(db), nil, nil, log)
	payments, err := service.NewPaymentService(ledger, catalog.Default(), map[string]string{"USDT_TRC20": "TXwallet"}, nil, log)
	require.NoError(t, err)

	outbox := &recordingOutbox{}
	return &harness{
		server:   NewServer(":0", "admin", "secret", log, ledger, payments, generation, outbox),
		ledger:   ledger,
		payments: payments,
		outbox:   outbox,
	}
}

func (h *harness) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/transactions/pending", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = h.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirmPendingPurchaseCreditsAndNotifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.ledger.GetOrCreate(ctx, 42, "Ann")
	require.NoError(t, err)
	ins, err := h.payments.CreateIntent(ctx, 42, "s", "USDT_TRC20")
	require.NoError(t, err)
	txID := ins.Transaction.ID

	rec := h.do(t, http.MethodGet, "/transactions/pending", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, txID, pending[0].ID)
	assert.Equal(t, 10, pending[0].Credits)

	rec = h.do(t, http.MethodPost, "/transactions/"+itoa(txID)+"/confirm", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var settled transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	assert.Equal(t, "completed", settled.Status)

	balance, err := h.ledger.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 13, balance)
	require.Len(t, h.outbox.sent(42), 1)
	assert.Contains(t, h.outbox.sent(42)[0], "подтверждена")

	rec = h.do(t, http.MethodPost, "/transactions/"+itoa(txID)+"/confirm", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	balance, err = h.ledger.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 13, balance, "a settled purchase never credits twice")
}

func TestRejectPurchase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.ledger.GetOrCreate(ctx, 42, "")
	require.NoError(t, err)
	ins, err := h.payments.CreateIntent(ctx, 42, "m", "USDT_TRC20")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/transactions/"+itoa(ins.Transaction.ID)+"/reject", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	balance, err := h.ledger.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)

	rec = h.do(t, http.MethodPost, "/transactions/9999/reject", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPost, "/transactions/abc/confirm", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrantAndUserLookup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.ledger.GetOrCreate(ctx, 7, "Bob")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/users/7/grant", `{"credits":5,"note":"support"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/users/7", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var user userResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, 8, user.Balance)
	assert.Equal(t, "Bob", user.DisplayName)
	assert.False(t, user.HasModel)
	require.NotEmpty(t, user.Transactions)
	assert.Equal(t, "admin_grant", user.Transactions[0].Type)
	assert.Len(t, h.outbox.sent(7), 1)

	rec = h.do(t, http.MethodPost, "/users/7/grant", `{"credits":0}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/users/8/grant", `{"credits":1}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/users/8", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcastReachesEveryAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []int64{1, 2, 3} {
		_, err := h.ledger.GetOrCreate(ctx, id, "")
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodPost, "/broadcast", `{"message":"новые стили"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out["sent"])
	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, []string{"новые стили"}, h.outbox.sent(id))
	}

	rec = h.do(t, http.MethodPost, "/broadcast", `{"message":"  "}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEmpty(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
