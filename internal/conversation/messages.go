package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/TGAvatarBot/internal/catalog"
	"github.com/digkill/TGAvatarBot/internal/service"
)

const (
	cbGenerate    = "generate"
	cbCancel      = "cancel"
	cbHelp        = "help"
	cbBalance     = "balance"
	cbBuy         = "buy"
	cbModeInstant = "mode_instant"
	cbModeLoRA    = "mode_lora"
	cbModeSaved   = "mode_saved"
	cbAddMore     = "lora_more"
	cbProceed     = "lora_go"

	cbStylePrefix   = "style"
	cbPackagePrefix = "pkg"
	cbPayPrefix     = "pay"
	cbPaidPrefix    = "paid"
)

const (
	msgBusy            = "⏳ Сейчас идёт генерация. Дождитесь результата или нажмите «Отмена»."
	msgCancelled       = "Операция отменена. Нажмите /start, чтобы начать заново."
	msgInternalError   = "❌ Внутренняя ошибка. Попробуйте позже."
	msgUnknownCommand  = "Неизвестная команда. Используйте /start или /help."
	msgSendPhotoHint   = "Сначала выберите режим: /start."
	msgNotAnImage      = "Это не изображение. Пришлите фото лица."
	msgPhotoFailed     = "❌ Ошибка при обработке фото. Попробуйте ещё раз."
	msgInstantPrompt   = "⚡ Быстрый режим\n\nОтправьте мне одно чёткое фото вашего лица.\nТребования:\n• Фронтальный ракурс\n• Хорошее освещение\n• Чёткое изображение лица"
	msgPhotoReceived   = "✅ Фото получено! Теперь выберите стиль генерации:"
	msgChooseStyle     = "Выберите стиль генерации:"
	msgUnknownStyle    = "Такого стиля нет. Выберите стиль из списка."
	msgGenerating      = "Выбран стиль: %s\n\n🎨 Начинаю генерацию...\n⏳ Подождите 30-60 секунд..."
	msgResultCaption   = "✨ Ваш аватар в стиле %s готов!"
	msgAfterResult     = "Баланс: %d кредитов. Что дальше?"
	msgTrainingStarted = "🧠 Обучение персональной модели началось. Это займёт около 20 минут, я сообщу о результате."
	msgTrainingPercent = "🧠 Обучение модели: примерно %d%%"
	msgTrainingDone    = "✅ Персональная модель готова! Теперь выберите стиль:"
	msgModelReady      = "✅ Персональная модель готова! Нажмите /start и выберите «Моя модель»."
	msgNoSavedModel    = "У вас пока нет обученной модели. Выберите «Про режим», чтобы обучить её."
	msgPaymentsOff     = "Оплата временно недоступна."
	msgChoosePackage   = "Выберите пакет кредитов:"
	msgChooseMedium    = "Пакет «%s»: %d кредитов за $%s. Выберите валюту:"
	msgPaidAck         = "Спасибо! Оператор проверит перевод вручную и начислит кредиты. Автоматической проверки блокчейна нет."
	msgNotAdmin        = "Команда доступна только операторам."
)

func mainKeyboard() Keyboard {
	return Keyboard{
		{{Text: "🎨 Создать аватар", Data: cbGenerate}},
		{{Text: "💰 Баланс", Data: cbBalance}, {Text: "🛒 Купить кредиты", Data: cbBuy}},
		{{Text: "ℹ️ Помощь", Data: cbHelp}},
	}
}

func cancelKeyboard() Keyboard {
	return Keyboard{{{Text: "❌ Отмена", Data: cbCancel}}}
}

func modeKeyboard(instantCost, trainingCost int, hasModel bool) Keyboard {
	kb := Keyboard{
		{{Text: fmt.Sprintf("⚡ Быстрая генерация (%d кр.)", instantCost), Data: cbModeInstant}},
		{{Text: fmt.Sprintf("🧠 Про режим: обучение (%d кр.)", trainingCost), Data: cbModeLoRA}},
	}
	if hasModel {
		kb = append(kb, []Button{{Text: "⭐ Моя модель", Data: cbModeSaved}})
	}
	return append(kb, []Button{{Text: "❌ Отмена", Data: cbCancel}})
}

func styleKeyboard(styles []catalog.Style) Keyboard {
	kb := make(Keyboard, 0, len(styles)+1)
	for _, s := range styles {
		kb = append(kb, []Button{{Text: fmt.Sprintf("%s (%d кр.)", s.Name, s.Cost), Data: cbStylePrefix + ":" + s.ID}})
	}
	return append(kb, []Button{{Text: "❌ Отмена", Data: cbCancel}})
}

func decisionKeyboard() Keyboard {
	return Keyboard{
		{{Text: "➕ Добавить ещё", Data: cbAddMore}, {Text: "🚀 Начать обучение", Data: cbProceed}},
		{{Text: "❌ Отмена", Data: cbCancel}},
	}
}

func packageKeyboard(packages []catalog.Package) Keyboard {
	kb := make(Keyboard, 0, len(packages))
	for _, p := range packages {
		kb = append(kb, []Button{{Text: fmt.Sprintf("%s: %d кр. за $%s", p.Title, p.Credits, p.PriceUSD.StringFixed(2)), Data: cbPackagePrefix + ":" + p.ID}})
	}
	return kb
}

func mediumKeyboard(packageID string, media []service.Medium) Keyboard {
	kb := make(Keyboard, 0, len(media))
	for _, m := range media {
		kb = append(kb, []Button{{Text: m.Code, Data: cbPayPrefix + ":" + packageID + ":" + m.Code}})
	}
	return kb
}

func paidKeyboard(txID int64) Keyboard {
	return Keyboard{{{Text: "✅ Я оплатил", Data: fmt.Sprintf("%s:%d", cbPaidPrefix, txID)}}}
}

func welcomeText(name string) string {
	if name == "" {
		name = "друг"
	}
	return fmt.Sprintf("Привет, %s! 👋\n\nЯ помогу создать крутые аватарки с твоим лицом! 🎨\n\n"+
		"⚡ Быстрый режим: загрузи 1 фото и получи результат за минуту\n"+
		"🧠 Про режим: загрузи 5-10 фото, и я обучу персональную модель", name)
}

func helpText(s Settings, trainingCost int) string {
	return fmt.Sprintf("🤖 Как пользоваться ботом:\n\n"+
		"1️⃣ Нажмите «Создать аватар» и выберите режим\n"+
		"2️⃣ Быстрый режим: одно чёткое фото лица (от %d кр.)\n"+
		"3️⃣ Про режим: от %d до %d фото, обучение модели (%d кр.)\n"+
		"4️⃣ Выберите стиль и получите результат!\n\n"+
		"💡 При ошибке генерации кредиты возвращаются автоматически.\n\n"+
		"/start - начать заново\n/balance - баланс\n/buy - купить кредиты\n/cancel - отмена\n/help - эта справка",
		s.InstantCost, s.MinPhotos, s.MaxPhotos, trainingCost)
}

func balanceText(balance int, hasModel bool) string {
	text := fmt.Sprintf("💰 Баланс: %d кредитов", balance)
	if hasModel {
		text += "\n⭐ Персональная модель обучена"
	}
	return text
}

func insufficientText(need, have int) string {
	return fmt.Sprintf("❌ Недостаточно кредитов: нужно %d, у вас %d. Пополните баланс через /buy.", need, have)
}

func loraProgressText(count, minPhotos, maxPhotos int) string {
	if count < minPhotos {
		return fmt.Sprintf("📸 Фото %d получено. Нужно минимум %d (максимум %d).", count, minPhotos, maxPhotos)
	}
	return fmt.Sprintf("📸 Получено %d фото. Можно добавить ещё (до %d) или начать обучение.", count, maxPhotos)
}

func loraPromptText(minPhotos, maxPhotos int) string {
	return fmt.Sprintf("🧠 Про режим\n\nОтправьте от %d до %d фото вашего лица с разных ракурсов.", minPhotos, maxPhotos)
}

// failureText is the user-facing explanation of a failed paid operation.
func failureText(err error) string {
	var text string
	switch service.KindOf(err) {
	case service.KindRateLimit:
		text = "❌ Слишком много запросов. Подождите минуту и попробуйте снова."
	case service.KindBilling:
		text = "❌ Ошибка: проверьте баланс на стороне сервиса генерации."
	case service.KindAuth:
		text = "❌ Ошибка: проблема с API токеном сервиса генерации."
	case service.KindValidation:
		text = "❌ Сервис отклонил фото. Попробуйте другое фото."
	case service.KindTimeout:
		text = "❌ Превышено время ожидания."
	case service.KindCanceled:
		text = "❌ Операция отменена."
	case service.KindTransient:
		text = "❌ Временная ошибка сервиса. Попробуйте позже."
	case service.KindPersistence:
		text = msgInternalError
	default:
		text = "❌ Ошибка генерации"
		var jerr *service.JobError
		if errors.As(err, &jerr) && jerr.Message != "" {
			text += ": " + jerr.Message
		}
	}
	var jerr *service.JobError
	if errors.As(err, &jerr) && jerr.Refunded {
		text += "\n💰 Кредиты возвращены на баланс."
	}
	return text
}

func instructionsText(ins *service.Instructions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 Заказ #%d: %s, %d кредитов\n\n", ins.Transaction.ID, ins.Package.Title, ins.Package.Credits)
	fmt.Fprintf(&b, "Переведите ровно %s %s на адрес:\n%s\n\n", ins.Amount.StringFixed(8), ins.Medium.Code, ins.Medium.Address)
	fmt.Fprintf(&b, "Референс: %s\n\n", ins.Reference)
	b.WriteString("После перевода нажмите «Я оплатил». Оплату проверяет оператор вручную.")
	return b.String()
}
