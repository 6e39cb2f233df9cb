package telegram

import (
	"io"
	"log/slog"
	"sync"
)

type queuedMessage struct {
	messageID int
	passes    int
}

// Deleter tracks ephemeral messages per user. A registered message survives
// the first collection pass and is returned on the next one, so the message
// that triggered the current interaction is never deleted out from under it.
type Deleter struct {
	logger *slog.Logger

	mu       sync.Mutex
	messages map[int64][]queuedMessage
}

// NewDeleter creates an empty deletion queue.
func NewDeleter(logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deleter{
		logger:   logger.With("component", "deleter"),
		messages: make(map[int64][]queuedMessage),
	}
}

// Register queues a sent message for later deletion.
func (d *Deleter) Register(userID int64, messageID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[userID] = append(d.messages[userID], queuedMessage{messageID: messageID})
}

// Collect returns the message ids ripe for deletion and ages the rest.
func (d *Deleter) Collect(userID int64) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, ok := d.messages[userID]
	if !ok {
		return nil
	}

	var ripe []int
	remaining := queue[:0]
	for _, msg := range queue {
		if msg.passes > 0 {
			ripe = append(ripe, msg.messageID)
			continue
		}
		msg.passes++
		remaining = append(remaining, msg)
	}

	if len(remaining) == 0 {
		delete(d.messages, userID)
	} else {
		d.messages[userID] = remaining
	}
	return ripe
}

// Clear drops every queued message for the user without deleting them.
func (d *Deleter) Clear(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.messages, userID)
}
