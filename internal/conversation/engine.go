// Package conversation drives the avatar chat flow: it maps inbound updates onto session
// transitions and hands paid work to the generation service.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/provider"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/internal/session"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

// ErrNotImage is returned by Update.FetchPhoto when the attachment is not a supported image.
var ErrNotImage = errors.New("attachment is not an image")

type Button struct {
	Text string
	Data string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

// Outbox delivers replies. EditText is best effort: callers log and ignore its errors.
type Outbox interface {
	SendText(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendPhotos(ctx context.Context, chatID int64, urls []string, caption string) error
}

// Update is one inbound user event. Exactly one of Command, Data, Text or FetchPhoto is set.
type Update struct {
	UserID      int64
	ChatID      int64
	DisplayName string

	Command string
	Args    string
	Data    string
	Text    string

	// FetchPhoto downloads the attached photo. It is only called when the session accepts one.
	FetchPhoto func(ctx context.Context) (provider.Image, error)
}

type Settings struct {
	InstantCost int
	MinPhotos   int
	MaxPhotos   int
	AdminIDs    []int64
}

type Deps struct {
	Sessions   *session.Store
	Ledger     *service.LedgerService
	Generation *service.GenerationService
	Payments   *service.PaymentService
	Catalog    *catalog.Catalog
	Outbox     Outbox
	Log        *slog.Logger
}

type Engine struct {
	settings   Settings
	sessions   *session.Store
	ledger     *service.LedgerService
	generation *service.GenerationService
	payments   *service.PaymentService
	catalog    *catalog.Catalog
	out        Outbox
	admins     map[int64]bool
	log        *slog.Logger

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(settings Settings, deps Deps) *Engine {
	if settings.MaxPhotos <= 0 || settings.MaxPhotos > session.MaxPhotos {
		settings.MaxPhotos = session.MaxPhotos
	}
	if settings.MinPhotos <= 0 || settings.MinPhotos > settings.MaxPhotos {
		settings.MinPhotos = settings.MaxPhotos
	}
	admins := make(map[int64]bool, len(settings.AdminIDs))
	for _, id := range settings.AdminIDs {
		admins[id] = true
	}
	root, stop := context.WithCancel(context.Background())
	return &Engine{
		settings:   settings,
		sessions:   deps.Sessions,
		ledger:     deps.Ledger,
		generation: deps.Generation,
		payments:   deps.Payments,
		catalog:    deps.Catalog,
		out:        deps.Outbox,
		admins:     admins,
		log:        deps.Log.With(sl.Module("conversation")),
		root:       root,
		stop:       stop,
	}
}

// Wait blocks until every background operation has settled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels background operations and waits for their refunds to be written.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Recover settles jobs an earlier process left pending and tells their owners. Training jobs that
// reached the provider are polled again in the background. It must be called before the first
// update is handled. Private chat ids equal user ids, so replies go to the user's chat.
func (e *Engine) Recover(ctx context.Context) error {
	rec, err := e.generation.RecoverPending(ctx)
	if err != nil {
		return err
	}
	for _, failed := range rec.Failed {
		e.log.Info("pending job settled after restart", sl.User(failed.Job.UserID), slog.Int64("job_id", failed.Job.ID), slog.Bool("refunded", failed.Err.Refunded))
		e.send(ctx, failed.Job.UserID, failureText(failed.Err), mainKeyboard())
	}
	for _, job := range rec.Resumable {
		job := job
		log := e.log.With(sl.User(job.UserID), slog.Int64("job_id", job.ID))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_, err := e.generation.ResumeTraining(e.root, job, nil)
			e.finishTraining(job.UserID, job.UserID, 0, err, log)
		}()
	}
	return nil
}

// Handle processes one update. Updates for the same user are serialized; updates for different
// users may run concurrently.
func (e *Engine) Handle(ctx context.Context, upd Update) {
	log := e.log.With(sl.User(upd.UserID))
	if _, err := e.ledger.GetOrCreate(ctx, upd.UserID, upd.DisplayName); err != nil {
		log.Error("ensure account", sl.Err(err))
		e.send(ctx, upd.ChatID, msgInternalError, nil)
		return
	}

	sess, release := e.sessions.Acquire(upd.UserID)
	defer release()

	action := resolve(upd)
	if sess.State.Busy() && !action.allowedWhileBusy() {
		e.send(ctx, upd.ChatID, msgBusy, cancelKeyboard())
		return
	}

	t := &turn{e: e, ctx: ctx, upd: upd, sess: sess, log: log.With(slog.String("state", sess.State.String()))}
	switch action.kind {
	case actStart:
		t.start()
	case actGenerate:
		t.chooseMode()
	case actCancel:
		t.cancel()
	case actHelp:
		e.send(ctx, upd.ChatID, helpText(e.settings, e.generation.TrainingCost()), nil)
	case actBalance:
		t.balance()
	case actFastMode:
		t.fastMode()
	case actProMode:
		t.proMode()
	case actSavedModel:
		t.savedModel()
	case actPhoto:
		t.photo()
	case actAddMore:
		t.addMore()
	case actProceed:
		t.proceed()
	case actStyle:
		t.style(action.arg)
	case actBuy:
		t.buy()
	case actPackage:
		t.choosePackage(action.arg)
	case actPay:
		t.pay(action.arg, action.arg2)
	case actPaid:
		t.paid(action.arg)
	case actAdmin:
		t.admin(action.arg, upd.Args)
	case actText:
		t.text()
	default:
		e.send(ctx, upd.ChatID, msgUnknownCommand, nil)
	}
}

// turn is the handling of a single update while the user's session is locked.
type turn struct {
	e    *Engine
	ctx  context.Context
	upd  Update
	sess *session.Session
	log  *slog.Logger
}

func (t *turn) reply(text string, kb Keyboard) int {
	return t.e.send(t.ctx, t.upd.ChatID, text, kb)
}

func (e *Engine) send(ctx context.Context, chatID int64, text string, kb Keyboard) int {
	id, err := e.out.SendText(ctx, chatID, text, kb)
	if err != nil {
		e.log.Warn("send text", slog.Int64("chat_id", chatID), sl.Err(err))
	}
	return id
}

func (e *Engine) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if messageID == 0 {
		return
	}
	if err := e.out.EditText(ctx, chatID, messageID, text); err != nil {
		e.log.Debug("edit text ignored", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (e *Engine) isAdmin(userID int64) bool {
	return e.admins[userID]
}

type actionKind int

const (
	actUnknown actionKind = iota
	actStart
	actGenerate
	actCancel
	actHelp
	actBalance
	actFastMode
	actProMode
	actSavedModel
	actPhoto
	actAddMore
	actProceed
	actStyle
	actBuy
	actPackage
	actPay
	actPaid
	actAdmin
	actText
)

type action struct {
	kind actionKind
	arg  string
	arg2 string
}

func (a action) allowedWhileBusy() bool {
	switch a.kind {
	case actStart, actCancel, actHelp, actBalance:
		return true
	}
	return false
}

func resolve(upd Update) action {
	switch {
	case upd.FetchPhoto != nil:
		return action{kind: actPhoto}
	case upd.Command != "":
		switch strings.ToLower(upd.Command) {
		case "start", "restart":
			return action{kind: actStart}
		case "generate":
			return action{kind: actGenerate}
		case "cancel":
			return action{kind: actCancel}
		case "help":
			return action{kind: actHelp}
		case "balance":
			return action{kind: actBalance}
		case "buy":
			return action{kind: actBuy}
		case "confirm", "reject", "grant", "pending":
			return action{kind: actAdmin, arg: strings.ToLower(upd.Command)}
		}
		return action{kind: actUnknown}
	case upd.Data != "":
		return resolveCallback(upd.Data)
	}
	return action{kind: actText}
}

func resolveCallback(data string) action {
	switch data {
	case cbGenerate:
		return action{kind: actGenerate}
	case cbCancel:
		return action{kind: actCancel}
	case cbHelp:
		return action{kind: actHelp}
	case cbBalance:
		return action{kind: actBalance}
	case cbModeInstant:
		return action{kind: actFastMode}
	case cbModeLoRA:
		return action{kind: actProMode}
	case cbModeSaved:
		return action{kind: actSavedModel}
	case cbAddMore:
		return action{kind: actAddMore}
	case cbProceed:
		return action{kind: actProceed}
	case cbBuy:
		return action{kind: actBuy}
	}
	prefix, rest, ok := strings.Cut(data, ":")
	if !ok {
		return action{kind: actUnknown}
	}
	switch prefix {
	case cbStylePrefix:
		return action{kind: actStyle, arg: rest}
	case cbPackagePrefix:
		return action{kind: actPackage, arg: rest}
	case cbPayPrefix:
		pkg, medium, ok := strings.Cut(rest, ":")
		if !ok {
			return action{kind: actUnknown}
		}
		return action{kind: actPay, arg: pkg, arg2: medium}
	case cbPaidPrefix:
		return action{kind: actPaid, arg: rest}
	}
	return action{kind: actUnknown}
}
