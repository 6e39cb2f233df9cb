package telegram

import (
	"html"
	"strconv"
	"strings"
)

// RenderPlaceholders substitutes the known {placeholder} keys in text.
// User-supplied values are HTML-escaped since messages go out with
// parse_mode=HTML. Unknown placeholders are left untouched so a config typo
// shows up in the message instead of breaking delivery.
func RenderPlaceholders(text string, userID int64, userData *UserData) string {
	if text == "" || !strings.Contains(text, "{") {
		return text
	}
	if userData == nil {
		userData = &UserData{}
	}

	replacer := strings.NewReplacer(
		"{user_id}", strconv.FormatInt(userID, 10),
		"{username}", html.EscapeString(userData.Username),
		"{first_name}", html.EscapeString(userData.FirstName),
		"{last_name}", html.EscapeString(userData.LastName),
	)
	return replacer.Replace(text)
}
