package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/provider"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/internal/session"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

func (t *turn) start() {
	t.sess.Reset()
	t.reply(welcomeText(t.upd.DisplayName), mainKeyboard())
}

func (t *turn) cancel() {
	t.sess.Reset()
	t.reply(msgCancelled, mainKeyboard())
}

func (t *turn) balance() {
	account, err := t.e.ledger.Account(t.ctx, t.upd.UserID)
	if err != nil {
		t.log.Error("read balance", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}
	t.reply(balanceText(account.Balance, account.HasModel()), nil)
}

func (t *turn) chooseMode() {
	if t.sess.State != session.Main {
		t.sess.Reset()
	}
	account, err := t.e.ledger.Account(t.ctx, t.upd.UserID)
	if err != nil {
		t.log.Error("read account", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}
	if err := t.sess.Transition(session.EventStart, session.ChoosingMode); err != nil {
		t.log.Error("start generation", sl.Err(err))
		return
	}
	t.reply("Выберите режим:", modeKeyboard(t.e.settings.InstantCost, t.e.generation.TrainingCost(), account.HasModel()))
}

// requireBalance re-reads the balance and tells the user when it does not cover need.
func (t *turn) requireBalance(need int) (*models.Account, bool) {
	account, err := t.e.ledger.Account(t.ctx, t.upd.UserID)
	if err != nil {
		t.log.Error("read balance", sl.Err(err))
		t.reply(msgInternalError, nil)
		return nil, false
	}
	if account.Balance < need {
		t.reply(insufficientText(need, account.Balance), Keyboard{{{Text: "🛒 Купить кредиты", Data: cbBuy}}})
		return account, false
	}
	return account, true
}

func (t *turn) outOfPlace() {
	t.reply(msgSendPhotoHint, mainKeyboard())
}

func (t *turn) fastMode() {
	if !session.Accepts(t.sess.State, session.EventFastMode) {
		t.outOfPlace()
		return
	}
	if _, ok := t.requireBalance(t.e.settings.InstantCost); !ok {
		return
	}
	if err := t.sess.Transition(session.EventFastMode, session.UploadingInstant); err != nil {
		t.log.Error("fast mode", sl.Err(err))
		return
	}
	t.sess.Mode = models.JobModeInstant
	t.reply(msgInstantPrompt, cancelKeyboard())
}

func (t *turn) proMode() {
	if !session.Accepts(t.sess.State, session.EventProMode) {
		t.outOfPlace()
		return
	}
	if _, ok := t.requireBalance(t.e.generation.TrainingCost()); !ok {
		return
	}
	if err := t.sess.Transition(session.EventProMode, session.UploadingLoRA); err != nil {
		t.log.Error("pro mode", sl.Err(err))
		return
	}
	t.sess.Mode = models.JobModeTraining
	t.reply(loraPromptText(t.e.settings.MinPhotos, t.e.settings.MaxPhotos), cancelKeyboard())
}

func (t *turn) savedModel() {
	if !session.Accepts(t.sess.State, session.EventSavedModel) {
		t.outOfPlace()
		return
	}
	account, ok := t.requireBalance(t.e.settings.InstantCost)
	if !ok {
		return
	}
	if !account.HasModel() {
		t.reply(msgNoSavedModel, nil)
		return
	}
	if err := t.sess.Transition(session.EventSavedModel, session.SelectingStyle); err != nil {
		t.log.Error("saved model", sl.Err(err))
		return
	}
	t.sess.Mode = models.JobModeInstant
	t.sess.UseModel = true
	t.reply(msgChooseStyle, styleKeyboard(t.e.catalog.Styles()))
}

func (t *turn) photo() {
	if !t.sess.State.Uploading() {
		t.outOfPlace()
		return
	}
	img, err := t.upd.FetchPhoto(t.ctx)
	if err != nil {
		t.log.Warn("fetch photo", sl.Err(err))
		if errors.Is(err, ErrNotImage) {
			t.reply(msgNotAnImage, nil)
		} else {
			t.reply(msgPhotoFailed, nil)
		}
		return
	}

	if t.sess.State == session.UploadingInstant {
		t.sess.Photos = nil
		t.sess.AddPhoto(img)
		if err := t.sess.Transition(session.EventPhoto, session.SelectingStyle); err != nil {
			t.log.Error("instant photo", sl.Err(err))
			return
		}
		t.reply(msgPhotoReceived, styleKeyboard(t.e.catalog.Styles()))
		return
	}

	count, _ := t.sess.AddPhoto(img)
	minPhotos, maxPhotos := t.e.settings.MinPhotos, t.e.settings.MaxPhotos
	switch {
	case count >= maxPhotos:
		t.startTraining(session.EventPhoto)
	case count >= minPhotos:
		if err := t.sess.Transition(session.EventPhoto, session.AwaitingLoRADecision); err != nil {
			t.log.Error("lora photo", sl.Err(err))
			return
		}
		t.reply(loraProgressText(count, minPhotos, maxPhotos), decisionKeyboard())
	default:
		if err := t.sess.Transition(session.EventPhoto, session.UploadingLoRA); err != nil {
			t.log.Error("lora photo", sl.Err(err))
			return
		}
		t.reply(loraProgressText(count, minPhotos, maxPhotos), cancelKeyboard())
	}
}

func (t *turn) addMore() {
	if err := t.sess.Transition(session.EventAddMore, session.UploadingLoRA); err != nil {
		t.outOfPlace()
		return
	}
	t.reply(fmt.Sprintf("Отправьте ещё фото (сейчас %d из %d).", len(t.sess.Photos), t.e.settings.MaxPhotos), cancelKeyboard())
}

func (t *turn) proceed() {
	if !session.Accepts(t.sess.State, session.EventProceed) {
		t.outOfPlace()
		return
	}
	if len(t.sess.Photos) < t.e.settings.MinPhotos {
		t.reply(loraProgressText(len(t.sess.Photos), t.e.settings.MinPhotos, t.e.settings.MaxPhotos), cancelKeyboard())
		return
	}
	t.startTraining(session.EventProceed)
}

// startTraining charges the training cost and hands the photos to a background poller.
func (t *turn) startTraining(ev session.Event) {
	if !session.Allowed(t.sess.State, ev, session.Training) {
		t.outOfPlace()
		return
	}
	job, err := t.e.generation.ChargeTraining(t.ctx, t.upd.UserID)
	if err != nil {
		t.chargeFailed(err, t.e.generation.TrainingCost())
		return
	}
	if err := t.sess.Transition(ev, session.Training); err != nil {
		t.log.Error("enter training", sl.Err(err))
		return
	}
	t.sess.JobID = job.ID
	photos := append([]provider.Image(nil), t.sess.Photos...)
	ctx, token := t.sess.Begin(t.e.root)

	messageID := t.reply(msgTrainingStarted, cancelKeyboard())
	userID, chatID := t.upd.UserID, t.upd.ChatID
	log := t.log.With(slog.Int64("job_id", job.ID))

	t.e.wg.Add(1)
	go func() {
		defer t.e.wg.Done()
		progress := func(pct int) {
			t.e.edit(ctx, chatID, messageID, fmt.Sprintf(msgTrainingPercent, pct))
		}
		_, err := t.e.generation.RunTraining(ctx, job, photos, progress)
		t.e.finishTraining(userID, chatID, token, err, log)
	}()
}

func (e *Engine) finishTraining(userID, chatID int64, token uint64, runErr error, log *slog.Logger) {
	ctx := context.Background()
	sess, release := e.sessions.Acquire(userID)
	defer release()

	owned := sess.Owns(token)
	if runErr != nil {
		if owned {
			if err := sess.Transition(session.EventTrainingFailed, session.Main); err != nil {
				log.Error("leave training", sl.Err(err))
				sess.Reset()
			}
		}
		log.Info("training failed", slog.String("kind", string(service.KindOf(runErr))))
		e.send(ctx, chatID, failureText(runErr), mainKeyboard())
		return
	}

	if !owned {
		e.send(ctx, chatID, msgModelReady, mainKeyboard())
		return
	}
	sess.End(token)
	if err := sess.Transition(session.EventTrainingSucceeded, session.SelectingStyle); err != nil {
		log.Error("leave training", sl.Err(err))
		sess.Reset()
		return
	}
	sess.Photos = nil
	sess.JobID = 0
	sess.Mode = models.JobModeInstant
	sess.UseModel = true
	e.send(ctx, chatID, msgTrainingDone, styleKeyboard(e.catalog.Styles()))
}

func (t *turn) style(styleID string) {
	if !session.Accepts(t.sess.State, session.EventStyle) {
		t.outOfPlace()
		return
	}
	style, ok := t.e.catalog.Style(styleID)
	if !ok {
		t.reply(msgUnknownStyle, styleKeyboard(t.e.catalog.Styles()))
		return
	}

	var photo provider.Image
	modelRef := ""
	if t.sess.UseModel {
		account, err := t.e.ledger.Account(t.ctx, t.upd.UserID)
		if err != nil {
			t.log.Error("read model ref", sl.Err(err))
			t.reply(msgInternalError, nil)
			return
		}
		modelRef = account.ModelRef
	} else if len(t.sess.Photos) > 0 {
		photo = t.sess.Photos[0]
	}
	if modelRef == "" && len(photo.Data) == 0 {
		t.sess.Reset()
		t.reply(msgPhotoFailed, mainKeyboard())
		return
	}

	// The debit is the balance check: it fails atomically when the balance no longer covers the
	// style, leaving the session where it is.
	job, err := t.e.generation.ChargeInstant(t.ctx, t.upd.UserID, style)
	if err != nil {
		t.chargeFailed(err, style.Cost)
		return
	}
	if err := t.sess.Transition(session.EventStyle, session.Generating); err != nil {
		t.log.Error("enter generating", sl.Err(err))
		return
	}
	t.sess.Style = style.ID
	t.sess.JobID = job.ID
	ctx, token := t.sess.Begin(t.e.root)

	t.reply(fmt.Sprintf(msgGenerating, style.Name), cancelKeyboard())
	userID, chatID := t.upd.UserID, t.upd.ChatID
	log := t.log.With(slog.Int64("job_id", job.ID), slog.String("style", style.ID))

	t.e.wg.Add(1)
	go func() {
		defer t.e.wg.Done()
		result, err := t.e.generation.CompleteInstant(ctx, job, photo, style, modelRef)
		t.e.finishGeneration(userID, chatID, token, style, result, err, log)
	}()
}

func (e *Engine) finishGeneration(userID, chatID int64, token uint64, style catalog.Style, result *service.InstantResult, runErr error, log *slog.Logger) {
	ctx := context.Background()
	sess, release := e.sessions.Acquire(userID)
	defer release()

	if sess.Owns(token) {
		if err := sess.Transition(session.EventGenerationDone, session.Main); err != nil {
			log.Error("leave generating", sl.Err(err))
			sess.Reset()
		}
	}

	if runErr != nil {
		log.Info("generation failed", slog.String("kind", string(service.KindOf(runErr))))
		e.send(ctx, chatID, failureText(runErr), mainKeyboard())
		return
	}
	if err := e.out.SendPhotos(ctx, chatID, result.URLs, fmt.Sprintf(msgResultCaption, style.Name)); err != nil {
		log.Warn("deliver result", sl.Err(err))
	}
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		log.Error("read balance", sl.Err(err))
		return
	}
	e.send(ctx, chatID, fmt.Sprintf(msgAfterResult, balance), mainKeyboard())
}

// chargeFailed reports a rejected charge. Insufficient funds leave the session as it was; any
// other failure returns to MAIN.
func (t *turn) chargeFailed(err error, cost int) {
	if service.KindOf(err) == service.KindInsufficientFunds {
		balance, berr := t.e.ledger.Balance(t.ctx, t.upd.UserID)
		if berr != nil {
			t.log.Error("read balance", sl.Err(berr))
		}
		t.reply(insufficientText(cost, balance), Keyboard{{{Text: "🛒 Купить кредиты", Data: cbBuy}}})
		return
	}
	t.log.Error("charge failed", sl.Err(err))
	t.sess.Reset()
	t.reply(failureText(err), mainKeyboard())
}

func (t *turn) text() {
	switch {
	case t.sess.State.Uploading():
		t.reply("Пришлите фото, а не текст.", cancelKeyboard())
	case t.sess.State == session.SelectingStyle:
		t.reply(msgChooseStyle, styleKeyboard(t.e.catalog.Styles()))
	default:
		t.reply("Нажмите /start, чтобы начать.", mainKeyboard())
	}
}
