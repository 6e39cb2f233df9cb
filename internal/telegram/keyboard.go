package telegram

import (
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// buildKeyboard assembles a reply markup from the descriptor's button grid.
// A row mixing types resolves to the kind of its first typed button; reply
// keyboards win over inline when both appear.
func (m *messenger) buildKeyboard(d *funnel.Descriptor, userID int64, userData *UserData) models.ReplyMarkup {
	if len(d.Buttons) == 0 {
		if d.RemoveKeyboard {
			return &models.ReplyKeyboardRemove{RemoveKeyboard: true}
		}
		return nil
	}

	var (
		replyRows  [][]models.KeyboardButton
		inlineRows [][]models.InlineKeyboardButton
		isReply    bool
	)

	for _, row := range d.Buttons {
		var replyRow []models.KeyboardButton
		var inlineRow []models.InlineKeyboardButton

		for _, button := range row {
			if button.Type == "button" {
				isReply = true
				replyRow = append(replyRow, models.KeyboardButton{
					Text:           button.Title,
					RequestContact: button.RequestContact,
				})
				continue
			}

			ib := models.InlineKeyboardButton{Text: button.Title}
			switch {
			case button.Link != "":
				ib.URL = RenderPlaceholders(button.Link, userID, userData)
			case button.WebApp != "":
				ib.WebApp = &models.WebAppInfo{
					URL: RenderPlaceholders(button.WebApp, userID, userData),
				}
			default:
				ib.CallbackData = button.Callback
			}
			inlineRow = append(inlineRow, ib)
		}

		if len(replyRow) > 0 {
			replyRows = append(replyRows, replyRow)
		}
		if len(inlineRow) > 0 {
			inlineRows = append(inlineRows, inlineRow)
		}
	}

	if isReply {
		return &models.ReplyKeyboardMarkup{
			Keyboard:       replyRows,
			ResizeKeyboard: true,
		}
	}
	if len(inlineRows) > 0 {
		return &models.InlineKeyboardMarkup{InlineKeyboard: inlineRows}
	}
	return nil
}
