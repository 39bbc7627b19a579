package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

const pendingListLimit = 20

func (t *turn) buy() {
	if t.e.payments == nil || !t.e.payments.Enabled() {
		t.reply(msgPaymentsOff, nil)
		return
	}
	t.reply(msgChoosePackage, packageKeyboard(t.e.payments.Packages()))
}

func (t *turn) choosePackage(packageID string) {
	if t.e.payments == nil || !t.e.payments.Enabled() {
		t.reply(msgPaymentsOff, nil)
		return
	}
	pkg, ok := t.e.catalog.Package(packageID)
	if !ok {
		t.reply("Такого пакета нет.", packageKeyboard(t.e.payments.Packages()))
		return
	}
	t.sess.PackageID = pkg.ID
	t.reply(fmt.Sprintf(msgChooseMedium, pkg.Title, pkg.Credits, pkg.PriceUSD.StringFixed(2)), mediumKeyboard(pkg.ID, t.e.payments.Media()))
}

func (t *turn) pay(packageID, medium string) {
	if t.e.payments == nil {
		t.reply(msgPaymentsOff, nil)
		return
	}
	ins, err := t.e.payments.CreateIntent(t.ctx, t.upd.UserID, packageID, medium)
	switch {
	case errors.Is(err, service.ErrUnknownPackage), errors.Is(err, service.ErrUnknownMedium):
		t.reply("Такой вариант оплаты недоступен.", nil)
		return
	case err != nil:
		t.log.Error("create payment intent", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}
	t.sess.PackageID = ins.Package.ID
	t.sess.Medium = ins.Medium.Code
	t.sess.TxID = ins.Transaction.ID
	t.reply(instructionsText(ins), paidKeyboard(ins.Transaction.ID))
}

func (t *turn) paid(rawID string) {
	txID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || t.e.payments == nil {
		t.reply(msgUnknownCommand, nil)
		return
	}
	tx, err := t.e.payments.RequestConfirmation(t.ctx, t.upd.UserID, txID)
	switch {
	case errors.Is(err, service.ErrTransactionNotPending):
		t.reply("Этот заказ уже обработан.", nil)
		return
	case errors.Is(err, service.ErrNotOwner), errors.Is(err, service.ErrTransactionNotFound):
		t.reply("Заказ не найден.", nil)
		return
	case err != nil:
		t.log.Error("request confirmation", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}

	notice := fmt.Sprintf("💳 Пользователь %d сообщает об оплате заказа #%d: %s %s, пакет %s (%d кр.), референс %s.\n"+
		"Проверьте перевод вручную.\n/confirm %d\n/reject %d",
		tx.UserID, tx.ID, tx.Amount, tx.Medium, tx.PackageID, tx.Credits, tx.ExternalRef, tx.ID, tx.ID)
	for id := range t.e.admins {
		t.e.send(t.ctx, id, notice, nil)
	}
	t.reply(msgPaidAck, nil)
}

func (t *turn) admin(command, args string) {
	if !t.e.isAdmin(t.upd.UserID) {
		t.reply(msgNotAdmin, nil)
		return
	}
	if command != "grant" && t.e.payments == nil {
		t.reply(msgPaymentsOff, nil)
		return
	}
	fields := strings.Fields(args)
	switch command {
	case "pending":
		t.listPending()
	case "confirm", "reject":
		if len(fields) != 1 {
			t.reply(fmt.Sprintf("Формат: /%s <id заказа>", command), nil)
			return
		}
		txID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			t.reply("Неверный id заказа.", nil)
			return
		}
		t.settle(command, txID)
	case "grant":
		if len(fields) != 2 {
			t.reply("Формат: /grant <id пользователя> <кредиты>", nil)
			return
		}
		userID, err1 := strconv.ParseInt(fields[0], 10, 64)
		amount, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil || amount <= 0 {
			t.reply("Неверные аргументы.", nil)
			return
		}
		t.grant(userID, amount)
	}
}

func (t *turn) listPending() {
	pending, err := t.e.payments.Pending(t.ctx, pendingListLimit)
	if err != nil {
		t.log.Error("list pending", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}
	if len(pending) == 0 {
		t.reply("Нет ожидающих заказов.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Ожидают подтверждения:\n")
	for _, tx := range pending {
		fmt.Fprintf(&b, "#%d: пользователь %d, %s %s, %d кр.\n", tx.ID, tx.UserID, tx.Amount, tx.Medium, tx.Credits)
	}
	t.reply(b.String(), nil)
}

func (t *turn) settle(command string, txID int64) {
	var (
		tx  *models.Transaction
		err error
	)
	if command == "confirm" {
		tx, err = t.e.payments.Confirm(t.ctx, txID)
	} else {
		tx, err = t.e.payments.Reject(t.ctx, txID)
	}
	switch {
	case errors.Is(err, service.ErrTransactionNotFound):
		t.reply("Заказ не найден.", nil)
		return
	case errors.Is(err, service.ErrTransactionNotPending):
		t.reply("Заказ уже обработан.", nil)
		return
	case err != nil:
		t.log.Error("settle purchase", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}

	if tx.Status == models.TransactionCompleted {
		t.reply(fmt.Sprintf("Заказ #%d подтверждён, начислено %d кр.", tx.ID, tx.Credits), nil)
		t.e.send(t.ctx, tx.UserID, fmt.Sprintf("✅ Оплата заказа #%d подтверждена! Начислено %d кредитов.", tx.ID, tx.Credits), mainKeyboard())
		return
	}
	t.reply(fmt.Sprintf("Заказ #%d отклонён.", tx.ID), nil)
	t.e.send(t.ctx, tx.UserID, fmt.Sprintf("❌ Оплата заказа #%d не подтверждена оператором.", tx.ID), nil)
}

func (t *turn) grant(userID int64, amount int) {
	tx, err := t.e.ledger.Grant(t.ctx, userID, amount, fmt.Sprintf("operator %d", t.upd.UserID))
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		t.reply("Пользователь не найден.", nil)
		return
	case err != nil:
		t.log.Error("grant credits", sl.Err(err))
		t.reply(msgInternalError, nil)
		return
	}
	t.reply(fmt.Sprintf("Начислено %d кр. пользователю %d (операция #%d).", amount, userID, tx.ID), nil)
	t.e.send(t.ctx, userID, fmt.Sprintf("🎁 Вам начислено %d кредитов.", amount), nil)
}
