// Package alert pushes operational alerts to an external Discord channel.
// Delivery is fire-and-forget: failures are logged, never propagated.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Alerter is the alerting collaborator contract.
type Alerter interface {
	Notify(ctx context.Context, text string)
}

// Discord posts alerts into a Discord channel via the bot API.
type Discord struct {
	client  *http.Client
	logger  *slog.Logger
	token   string
	channel string
}

// NewDiscord creates a Discord alerter. With an empty token or channel the
// alerter degrades to log-only.
func NewDiscord(logger *slog.Logger, token, channel string) *Discord {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Discord{
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "alert"),
		token:   token,
		channel: channel,
	}
}

// Notify sends the alert text. Errors are logged and swallowed.
func (d *Discord) Notify(ctx context.Context, text string) {
	if d.token == "" || d.channel == "" {
		d.logger.InfoContext(ctx, "alert (no channel configured)", "text", text)
		return
	}

	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to encode alert", "error", err)
		return
	}

	url := fmt.Sprintf("https://discord.com/api/v9/channels/%s/messages", d.channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to build alert request", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to deliver alert", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.logger.ErrorContext(ctx, "alert rejected",
			"status", resp.StatusCode, "response", string(body))
	}
}
