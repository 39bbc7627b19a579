package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGAvatarBot/internal/conversation"
	"github.com/digkill/TGAvatarBot/internal/provider"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

// maxPhotoBytes caps a single downloaded photo.
const maxPhotoBytes = 20 << 20

// Handler consumes normalized updates.
type Handler interface {
	Handle(ctx context.Context, upd conversation.Update)
}

// Bot connects the Telegram Bot API to a Handler and delivers its replies.
type Bot struct {
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	handler    Handler
	httpClient *http.Client
	wg         sync.WaitGroup
}

func NewBot(api *tgbotapi.BotAPI, log *slog.Logger) *Bot {
	return &Bot{
		api:        api,
		log:        log.With(sl.Module("telegram")),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// SetHandler wires the conversation engine. The engine needs the bot as its outbox, so the two are
// connected after construction.
func (b *Bot) SetHandler(h Handler) {
	b.handler = h
}

// Run receives updates until ctx is done. Each update is handled in its own goroutine; the handler
// serializes updates of the same user.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", slog.String("username", b.api.Self.UserName))

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.dispatch(ctx, update)
			}()
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panicked", slog.Any("panic", r))
		}
	}()
	switch {
	case update.Message != nil:
		upd, ok := b.fromMessage(update.Message)
		if !ok {
			return
		}
		b.handler.Handle(ctx, upd)
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			b.log.Warn("callback ack", sl.Err(err))
		}
		if cb.Message == nil || cb.From == nil {
			return
		}
		b.handler.Handle(ctx, conversation.Update{
			UserID:      cb.From.ID,
			ChatID:      cb.Message.Chat.ID,
			DisplayName: displayName(cb.From),
			Data:        cb.Data,
		})
	}
}

func (b *Bot) fromMessage(msg *tgbotapi.Message) (conversation.Update, bool) {
	if msg.From == nil || msg.Chat == nil {
		return conversation.Update{}, false
	}
	upd := conversation.Update{
		UserID:      msg.From.ID,
		ChatID:      msg.Chat.ID,
		DisplayName: displayName(msg.From),
	}
	switch {
	case len(msg.Photo) > 0:
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		upd.FetchPhoto = func(ctx context.Context) (provider.Image, error) {
			return b.downloadImage(ctx, fileID)
		}
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			upd.FetchPhoto = func(context.Context) (provider.Image, error) {
				return provider.Image{}, conversation.ErrNotImage
			}
			break
		}
		fileID := msg.Document.FileID
		upd.FetchPhoto = func(ctx context.Context) (provider.Image, error) {
			return b.downloadImage(ctx, fileID)
		}
	case msg.IsCommand():
		upd.Command = msg.Command()
		upd.Args = strings.TrimSpace(msg.CommandArguments())
	default:
		upd.Text = msg.Text
	}
	return upd, true
}

func (b *Bot) downloadImage(ctx context.Context, fileID string) (provider.Image, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return provider.Image{}, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return provider.Image{}, fmt.Errorf("file path empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return provider.Image{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return provider.Image{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return provider.Image{}, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return provider.Image{}, fmt.Errorf("read file body: %w", err)
	}
	if len(body) > maxPhotoBytes {
		return provider.Image{}, fmt.Errorf("file exceeds %d bytes", maxPhotoBytes)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return provider.Image{}, err
	}
	return provider.Image{Data: body, ContentType: ct}, nil
}

func (b *Bot) SendText(_ context.Context, chatID int64, text string, kb conversation.Keyboard) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup, ok := inlineKeyboard(kb); ok {
		msg.ReplyMarkup = markup
	}
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send text to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

func (b *Bot) EditText(_ context.Context, chatID int64, messageID int, text string) error {
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (b *Bot) SendPhotos(_ context.Context, chatID int64, urls []string, caption string) error {
	switch len(urls) {
	case 0:
		return nil
	case 1:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(urls[0]))
		photo.Caption = caption
		if _, err := b.api.Send(photo); err != nil {
			return fmt.Errorf("send photo: %w", err)
		}
		return nil
	}
	media := make([]any, 0, len(urls))
	for i, url := range urls {
		item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(url))
		if i == 0 {
			item.Caption = caption
		}
		media = append(media, item)
	}
	if _, err := b.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media)); err != nil {
		return fmt.Errorf("send media group: %w", err)
	}
	return nil
}

func inlineKeyboard(kb conversation.Keyboard) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(kb) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", conversation.ErrNotImage
	}
}
