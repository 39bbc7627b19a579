package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/database"
	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/provider"
	"github.com/digkill/TGAvatarBot/internal/repository"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/internal/session"
)

const adminID = 900

type sentText struct {
	chatID int64
	text   string
	kb     Keyboard
}

type fakeOutbox struct {
	mu     sync.Mutex
	texts  []sentText
	photos map[int64][][]string
	edits  int
	nextID int
}

func (o *fakeOutbox) SendText(_ context.Context, chatID int64, text string, kb Keyboard) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.texts = append(o.texts, sentText{chatID: chatID, text: text, kb: kb})
	o.nextID++
	return o.nextID, nil
}

func (o *fakeOutbox) EditText(context.Context, int64, int, string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.edits++
	return errors.New("message is not modified")
}

func (o *fakeOutbox) SendPhotos(_ context.Context, chatID int64, urls []string, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.photos == nil {
		o.photos = make(map[int64][][]string)
	}
	o.photos[chatID] = append(o.photos[chatID], urls)
	return nil
}

func (o *fakeOutbox) last(chatID int64) sentText {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.texts) - 1; i >= 0; i-- {
		if o.texts[i].chatID == chatID {
			return o.texts[i]
		}
	}
	return sentText{}
}

func (o *fakeOutbox) saw(chatID int64, substr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.texts {
		if m.chatID == chatID && strings.Contains(m.text, substr) {
			return true
		}
	}
	return false
}

type fakeInference struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls []provider.InferenceRequest
}

func (f *fakeInference) Generate(ctx context.Context, req provider.InferenceRequest) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []string{"https://img/out.png"}, nil
}

type fakeTrainer struct {
	mu      sync.Mutex
	final   provider.TrainingState
	started [][]provider.Image
}

func (f *fakeTrainer) StartTraining(_ context.Context, req provider.TrainingRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req.Images)
	return fmt.Sprintf("tr-%d", len(f.started)), nil
}

func (f *fakeTrainer) TrainingStatus(context.Context, string) (provider.TrainingState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final, nil
}

func (f *fakeTrainer) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type harness struct {
	t         *testing.T
	engine    *Engine
	out       *fakeOutbox
	ledger    *service.LedgerService
	jobs      *repository.JobRepository
	sessions  *session.Store
	inference *fakeInference
	trainer   *fakeTrainer
	fetches   atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := database.Connect(ctx, "sqlite", filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db, dialect))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := service.NewLedgerService(db, repository.NewAccountRepository(db, dialect), repository.NewTransactionRepository(db), 3, log)
	jobs := repository.NewJobRepository(db)
	inference := &fakeInference{}
	trainer := &fakeTrainer{final: provider.TrainingState{Status: provider.TrainingSucceeded, ModelRef: "me/avatars:v1"}}
	generation := service.NewGenerationService(service.GenerationSettings{
		InstantSteps:       20,
		InstantGuidance:    5,
		LoRASteps:          28,
		LoRAGuidance:       3.5,
		NumOutputs:         1,
		TrainingCost:       10,
		TriggerWord:        "TOK",
		TrainingSteps:      1000,
		InferenceTimeout:   5 * time.Second,
		PollInterval:       time.Millisecond,
		MaxTrainingWait:    5 * time.Second,
		ProgressEveryPolls: 1,
		MaxPollErrors:      3,
	}, ledger, jobs, inference, trainer, log)
	cat := catalog.Default()
	payments, err := service.NewPaymentService(ledger, cat, map[string]string{"USDT_TRC20": "TXwallet"}, nil, log)
	require.NoError(t, err)

	out := &fakeOutbox{}
	sessions := session.NewStore()
	engine := New(Settings{InstantCost: 1, MinPhotos: 5, MaxPhotos: 10, AdminIDs: []int64{adminID}}, Deps{
		Sessions:   sessions,
		Ledger:     ledger,
		Generation: generation,
		Payments:   payments,
		Catalog:    cat,
		Outbox:     out,
		Log:        log,
	})
	t.Cleanup(engine.Close)

	return &harness{t: t, engine: engine, out: out, ledger: ledger, jobs: jobs, sessions: sessions, inference: inference, trainer: trainer}
}

func (h *harness) command(userID int64, cmd, args string) {
	h.engine.Handle(context.Background(), Update{UserID: userID, ChatID: userID, Command: cmd, Args: args})
}

func (h *harness) press(userID int64, data string) {
	h.engine.Handle(context.Background(), Update{UserID: userID, ChatID: userID, Data: data})
}

func (h *harness) photo(userID int64) {
	h.engine.Handle(context.Background(), Update{UserID: userID, ChatID: userID, FetchPhoto: func(context.Context) (provider.Image, error) {
		h.fetches.Add(1)
		return provider.Image{Data: []byte{0xff, 0xd8, 0xff}, ContentType: "image/jpeg"}, nil
	}})
}

func (h *harness) state(userID int64) (session.State, int) {
	return h.sessions.Snapshot(userID)
}

func (h *harness) balance(userID int64) int {
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) jobsOf(userID int64) []models.Job {
	jobs, err := h.jobs.ListByUser(context.Background(), userID, 50)
	require.NoError(h.t, err)
	return jobs
}

func (h *harness) grant(userID int64, amount int) {
	_, err := h.ledger.Grant(context.Background(), userID, amount, "test")
	require.NoError(h.t, err)
}

func TestNewUserFastGeneration(t *testing.T) {
	h := newHarness(t)

	h.command(42, "start", "")
	assert.Equal(t, 3, h.balance(42))
	h.press(42, cbGenerate)
	st, _ := h.state(42)
	assert.Equal(t, session.ChoosingMode, st)

	h.press(42, cbModeInstant)
	h.photo(42)
	st, photos := h.state(42)
	assert.Equal(t, session.SelectingStyle, st)
	assert.Equal(t, 1, photos)

	h.press(42, "style:anime")
	h.engine.Wait()

	st, photos = h.state(42)
	assert.Equal(t, session.Main, st)
	assert.Zero(t, photos)
	assert.Equal(t, 2, h.balance(42))
	jobs := h.jobsOf(42)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusSucceeded, jobs[0].Status)
	assert.Equal(t, [][]string{{"https://img/out.png"}}, h.out.photos[42])
}

func TestExpensiveStyleRejectedWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	h.command(42, "start", "")
	require.NoError(t, h.ledger.Debit(context.Background(), 42, 2))

	h.press(42, cbGenerate)
	h.press(42, cbModeInstant)
	h.photo(42)
	h.press(42, "style:portrait")
	h.engine.Wait()

	st, photos := h.state(42)
	assert.Equal(t, session.SelectingStyle, st)
	assert.Equal(t, 1, photos)
	assert.Equal(t, 1, h.balance(42))
	assert.Empty(t, h.jobsOf(42))
	assert.Contains(t, h.out.last(42).text, "Недостаточно кредитов")
	assert.Empty(t, h.inference.calls)
}

func TestUnknownStyleIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.press(1, cbGenerate)
	h.press(1, cbModeInstant)
	h.photo(1)
	h.press(1, "style:vaporwave")

	st, _ := h.state(1)
	assert.Equal(t, session.SelectingStyle, st)
	assert.Equal(t, 3, h.balance(1))
}

func TestModeEntryRequiresBalance(t *testing.T) {
	h := newHarness(t)
	h.press(5, cbGenerate)
	h.press(5, cbModeLoRA)

	st, _ := h.state(5)
	assert.Equal(t, session.ChoosingMode, st)
	assert.Contains(t, h.out.last(5).text, "нужно 10")
}

func TestTrainingNeedsMinimumPhotos(t *testing.T) {
	h := newHarness(t)
	h.press(7, cbGenerate)
	h.grant(7, 10)
	h.press(7, cbModeLoRA)
	for i := 0; i < 4; i++ {
		h.photo(7)
	}
	h.press(7, cbProceed)

	st, photos := h.state(7)
	assert.Equal(t, session.UploadingLoRA, st)
	assert.Equal(t, 4, photos)
	assert.Zero(t, h.trainer.startedCount())
	assert.Equal(t, 13, h.balance(7))
}

func TestTenPhotosStartTrainingAndFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.trainer.final = provider.TrainingState{Status: provider.TrainingFailed, Error: "bad photos"}
	h.press(42, cbGenerate)
	h.grant(42, 10)
	before := h.balance(42)
	h.press(42, cbModeLoRA)

	for i := 0; i < 10; i++ {
		h.photo(42)
	}
	h.engine.Wait()

	require.Equal(t, 1, h.trainer.startedCount())
	assert.Len(t, h.trainer.started[0], 10)
	assert.Equal(t, before, h.balance(42))
	st, photos := h.state(42)
	assert.Equal(t, session.Main, st)
	assert.Zero(t, photos)

	jobs := h.jobsOf(42)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	account, err := h.ledger.Account(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, account.HasModel())
	assert.True(t, h.out.saw(42, "Кредиты возвращены"))
}

func TestTrainingDecisionAndSavedModel(t *testing.T) {
	h := newHarness(t)
	h.press(8, cbGenerate)
	h.grant(8, 10)
	h.press(8, cbModeLoRA)
	for i := 0; i < 5; i++ {
		h.photo(8)
	}
	st, _ := h.state(8)
	assert.Equal(t, session.AwaitingLoRADecision, st)

	h.press(8, cbAddMore)
	st, photos := h.state(8)
	assert.Equal(t, session.UploadingLoRA, st)
	assert.Equal(t, 5, photos)

	h.photo(8)
	st, photos = h.state(8)
	assert.Equal(t, session.AwaitingLoRADecision, st)
	assert.Equal(t, 6, photos)

	h.press(8, cbProceed)
	h.engine.Wait()

	st, _ = h.state(8)
	assert.Equal(t, session.SelectingStyle, st)
	assert.Equal(t, 3, h.balance(8))

	h.press(8, "style:anime")
	h.engine.Wait()
	require.Len(t, h.inference.calls, 1)
	assert.Equal(t, "me/avatars:v1", h.inference.calls[0].ModelRef)
	assert.Equal(t, 2, h.balance(8))

	// The saved model is offered on the next visit.
	h.press(8, cbGenerate)
	assert.Contains(t, fmt.Sprint(h.out.last(8).kb), cbModeSaved)
	h.press(8, cbModeSaved)
	st, _ = h.state(8)
	assert.Equal(t, session.SelectingStyle, st)
}

func TestCancelClearsSession(t *testing.T) {
	h := newHarness(t)
	h.press(3, cbGenerate)
	h.press(3, cbModeInstant)
	h.photo(3)

	h.command(3, "cancel", "")
	st, photos := h.state(3)
	assert.Equal(t, session.Main, st)
	assert.Zero(t, photos)

	h.press(3, cbGenerate)
	h.press(3, cbModeInstant)
	st, photos = h.state(3)
	assert.Equal(t, session.UploadingInstant, st)
	assert.Zero(t, photos)
}

func TestBusySessionRejectsInput(t *testing.T) {
	h := newHarness(t)
	h.inference.gate = make(chan struct{})
	h.press(4, cbGenerate)
	h.press(4, cbModeInstant)
	h.photo(4)
	h.press(4, "style:anime")

	st, _ := h.state(4)
	require.Equal(t, session.Generating, st)
	assert.Equal(t, 2, h.balance(4))

	h.press(4, cbGenerate)
	assert.Equal(t, msgBusy, h.out.last(4).text)
	fetchesBefore := h.fetches.Load()
	h.photo(4)
	assert.Equal(t, fetchesBefore, h.fetches.Load(), "busy session must not download photos")
	st, _ = h.state(4)
	assert.Equal(t, session.Generating, st)

	h.command(4, "balance", "")
	assert.Contains(t, h.out.last(4).text, "Баланс: 2")

	h.command(4, "cancel", "")
	h.engine.Wait()
	st, _ = h.state(4)
	assert.Equal(t, session.Main, st)
	assert.Equal(t, 3, h.balance(4))
	jobs := h.jobsOf(4)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, string(service.KindCanceled), jobs[0].ErrorKind)
}

func TestPhotoOutsideUploadIsNotFetched(t *testing.T) {
	h := newHarness(t)
	h.photo(6)
	assert.Zero(t, h.fetches.Load())
	st, _ := h.state(6)
	assert.Equal(t, session.Main, st)
}

func TestPurchaseFlowWithOperatorConfirmation(t *testing.T) {
	h := newHarness(t)
	h.command(42, "buy", "")
	h.press(42, "pkg:s")
	h.press(42, "pay:s:USDT_TRC20")

	last := h.out.last(42)
	assert.Contains(t, last.text, "TXwallet")
	assert.Contains(t, last.text, "5.00000000")
	require.Len(t, last.kb, 1)
	paidData := last.kb[0][0].Data
	txID := strings.TrimPrefix(paidData, cbPaidPrefix+":")

	h.press(42, paidData)
	assert.Contains(t, h.out.last(adminID).text, "/confirm "+txID)
	assert.Equal(t, 3, h.balance(42))

	h.command(42, "confirm", txID)
	assert.Equal(t, msgNotAdmin, h.out.last(42).text)
	assert.Equal(t, 3, h.balance(42))

	h.command(adminID, "confirm", txID)
	assert.Equal(t, 13, h.balance(42))
	assert.Contains(t, h.out.last(42).text, "подтверждена")

	h.command(adminID, "confirm", txID)
	assert.Equal(t, "Заказ уже обработан.", h.out.last(adminID).text)
	assert.Equal(t, 13, h.balance(42))
}

func TestOperatorGrant(t *testing.T) {
	h := newHarness(t)
	h.command(42, "start", "")

	h.command(adminID, "grant", "42 5")
	assert.Equal(t, 8, h.balance(42))
	assert.Contains(t, h.out.last(42).text, "5 кредитов")

	h.command(adminID, "grant", "77 5")
	assert.Equal(t, "Пользователь не найден.", h.out.last(adminID).text)

	h.command(adminID, "grant", "42")
	assert.Contains(t, h.out.last(adminID).text, "Формат")
}

func TestConcurrentUsersDoNotInterfere(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for u := int64(100); u < 110; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			h.press(userID, cbGenerate)
			h.press(userID, cbModeInstant)
			h.photo(userID)
			h.press(userID, "style:anime")
		}(u)
	}
	wg.Wait()
	h.engine.Wait()

	for u := int64(100); u < 110; u++ {
		assert.Equal(t, 2, h.balance(u))
		st, _ := h.state(u)
		assert.Equal(t, session.Main, st)
	}
}

func TestResolveCallbacks(t *testing.T) {
	assert.Equal(t, action{kind: actStyle, arg: "anime"}, resolveCallback("style:anime"))
	assert.Equal(t, action{kind: actPay, arg: "m", arg2: "BTC"}, resolveCallback("pay:m:BTC"))
	assert.Equal(t, actUnknown, resolveCallback("pay:m").kind)
	assert.Equal(t, actUnknown, resolveCallback("nonsense").kind)
	assert.Equal(t, actProceed, resolveCallback(cbProceed).kind)
}

func TestRecoverSettlesJobsLeftByPreviousRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.command(31, "start", "")
	h.command(32, "start", "")
	h.grant(32, 10)
	style, ok := catalog.Default().Style("anime")
	require.True(t, ok)
	instant, err := h.engine.generation.ChargeInstant(ctx, 31, style)
	require.NoError(t, err)
	training, err := h.engine.generation.ChargeTraining(ctx, 32)
	require.NoError(t, err)
	require.NoError(t, h.jobs.SetExternalID(ctx, training.ID, "tr-7"))

	require.NoError(t, h.engine.Recover(ctx))
	h.engine.Wait()

	assert.Equal(t, 3, h.balance(31))
	stored, err := h.jobs.Get(ctx, instant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.True(t, h.out.saw(31, "Кредиты возвращены"))

	assert.Equal(t, 3, h.balance(32))
	stored, err = h.jobs.Get(ctx, training.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, stored.Status)
	assert.Equal(t, msgModelReady, h.out.last(32).text)
	account, err := h.ledger.Account(ctx, 32)
	require.NoError(t, err)
	assert.Equal(t, "me/avatars:v1", account.ModelRef)
	assert.Zero(t, h.trainer.startedCount())

	st, _ := h.state(32)
	assert.Equal(t, session.Main, st)
}
