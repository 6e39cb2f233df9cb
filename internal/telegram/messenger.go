// Package telegram implements the outbound delivery collaborator on top of
// the go-telegram/bot client: descriptor rendering, keyboard building, file
// sending and blocked-recipient classification.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// UserData carries the recipient fields usable in message placeholders.
type UserData struct {
	Username  string
	FirstName string
	LastName  string
}

// Result reports a completed delivery.
type Result struct {
	MessageID int
}

// Messenger is the delivery contract the router and the notifier depend on.
// Implementations may return transport errors; IsBlockedErr classifies the
// ones caused by the recipient blocking the bot.
type Messenger interface {
	// Deliver renders and sends the descriptor to the user. userData may be
	// nil, in which case recipient info is fetched from the transport.
	Deliver(ctx context.Context, userID int64, d *funnel.Descriptor, userData *UserData) (*Result, error)

	// DeleteMessage removes a previously sent message, best effort.
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error

	// PurgeEphemeral deletes messages queued for removal for this user.
	PurgeEphemeral(ctx context.Context, userID int64)

	// IsChannelMember reports whether the user is subscribed to the channel.
	IsChannelMember(ctx context.Context, channel string, userID int64) (bool, error)

	// UserInfo fetches recipient info from the transport.
	UserInfo(ctx context.Context, userID int64) (*UserData, error)

	// BotUsername returns the bot's own username for alert texts.
	BotUsername() string
}

// IsBlockedErr reports whether a transport error indicates the recipient
// blocked the bot ("Forbidden: bot was blocked by the user").
func IsBlockedErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "blocked")
}

type messenger struct {
	bot       *bot.Bot
	logger    *slog.Logger
	deleter   *Deleter
	staticDir string
	username  string
}

// NewMessenger wraps a connected bot client. username is the bot's own
// username as reported by GetMe.
func NewMessenger(b *bot.Bot, logger *slog.Logger, staticDir, username string) Messenger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &messenger{
		bot:       b,
		logger:    logger.With("component", "messenger"),
		deleter:   NewDeleter(logger),
		staticDir: staticDir,
		username:  username,
	}
}

func (m *messenger) BotUsername() string { return m.username }

func (m *messenger) Deliver(ctx context.Context, userID int64, d *funnel.Descriptor, userData *UserData) (*Result, error) {
	if d == nil || !d.HasContent() {
		return nil, fmt.Errorf("descriptor has no deliverable content")
	}

	if userData == nil {
		info, err := m.UserInfo(ctx, userID)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to fetch user info, using fallback", "user_id", userID, "error", err)
			info = &UserData{Username: "unknown"}
		}
		userData = info
	}

	text := RenderPlaceholders(d.Text, userID, userData)
	keyboard := m.buildKeyboard(d, userID, userData)

	var (
		msgID int
		err   error
	)
	switch {
	case len(d.Files) > 0:
		msgID, err = m.sendMediaGroup(ctx, userID, d.Files, text)
	case d.File != nil:
		msgID, err = m.sendFile(ctx, userID, d.File, text, keyboard)
	default:
		msgID, err = m.sendText(ctx, userID, text, keyboard)
	}
	if err != nil {
		return nil, err
	}

	if d.Ephemeral {
		m.deleter.Register(userID, msgID)
	}
	return &Result{MessageID: msgID}, nil
}

func (m *messenger) sendText(ctx context.Context, userID int64, text string, keyboard models.ReplyMarkup) (int, error) {
	msg, err := m.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      userID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: keyboard,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send message to user %d: %w", userID, err)
	}
	return msg.ID, nil
}

func (m *messenger) sendFile(ctx context.Context, userID int64, file *funnel.File, caption string, keyboard models.ReplyMarkup) (int, error) {
	data, err := os.Open(filepath.Join(m.staticDir, file.Path))
	if err != nil {
		return 0, fmt.Errorf("failed to open file %q: %w", file.Path, err)
	}
	defer data.Close()

	upload := &models.InputFileUpload{Filename: fileDisplayName(file), Data: data}

	var msg *models.Message
	switch file.ContentType {
	case "photo":
		msg, err = m.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:      userID,
			Photo:       upload,
			Caption:     caption,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: keyboard,
		})
	case "video":
		msg, err = m.bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:      userID,
			Video:       upload,
			Caption:     caption,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: keyboard,
		})
	default:
		msg, err = m.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:      userID,
			Document:    upload,
			Caption:     caption,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: keyboard,
		})
	}
	if err != nil {
		return 0, fmt.Errorf("failed to send file %q to user %d: %w", file.Path, userID, err)
	}
	return msg.ID, nil
}

func (m *messenger) sendMediaGroup(ctx context.Context, userID int64, files []funnel.File, caption string) (int, error) {
	media := make([]models.InputMedia, 0, len(files))
	readers := make([]io.Closer, 0, len(files))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	for i, file := range files {
		data, err := os.Open(filepath.Join(m.staticDir, file.Path))
		if err != nil {
			return 0, fmt.Errorf("failed to open file %q: %w", file.Path, err)
		}
		readers = append(readers, data)

		attach := fmt.Sprintf("attach://%s", fileDisplayName(&file))
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		switch file.ContentType {
		case "photo":
			media = append(media, &models.InputMediaPhoto{
				Media:           attach,
				MediaAttachment: data,
				Caption:         itemCaption,
				ParseMode:       models.ParseModeHTML,
			})
		case "video":
			media = append(media, &models.InputMediaVideo{
				Media:           attach,
				MediaAttachment: data,
				Caption:         itemCaption,
				ParseMode:       models.ParseModeHTML,
			})
		default:
			media = append(media, &models.InputMediaDocument{
				Media:           attach,
				MediaAttachment: data,
				Caption:         itemCaption,
				ParseMode:       models.ParseModeHTML,
			})
		}
	}

	msgs, err := m.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: userID,
		Media:  media,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send media group to user %d: %w", userID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[0].ID, nil
}

func (m *messenger) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	ok, err := m.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %d in chat %d: %w", messageID, chatID, err)
	}
	if !ok {
		return fmt.Errorf("message %d in chat %d was not deleted", messageID, chatID)
	}
	return nil
}

func (m *messenger) PurgeEphemeral(ctx context.Context, userID int64) {
	for _, messageID := range m.deleter.Collect(userID) {
		if err := m.DeleteMessage(ctx, userID, messageID); err != nil {
			m.logger.WarnContext(ctx, "failed to purge ephemeral message",
				"user_id", userID, "message_id", messageID, "error", err)
		}
	}
}

func (m *messenger) IsChannelMember(ctx context.Context, channel string, userID int64) (bool, error) {
	member, err := m.bot.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: channel,
		UserID: userID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check member of %q: %w", channel, err)
	}
	switch member.Type {
	case models.ChatMemberTypeLeft, models.ChatMemberTypeBanned:
		return false, nil
	}
	return true, nil
}

func (m *messenger) UserInfo(ctx context.Context, userID int64) (*UserData, error) {
	chat, err := m.bot.GetChat(ctx, &bot.GetChatParams{ChatID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to get chat %d: %w", userID, err)
	}
	return &UserData{
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}, nil
}

func fileDisplayName(file *funnel.File) string {
	if file.Filename != "" {
		return file.Filename
	}
	return filepath.Base(file.Path)
}
