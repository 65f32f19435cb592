// Package notifier delivers fire-and-forget messages to account owners.
// Delivery failures are reported to the caller for logging but must never
// influence balance or transfer logic.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
)

// Notifier is the outbound notification boundary.
type Notifier interface {
	Notify(ctx context.Context, ownerRef string, message string) error
}

// Telegram delivers messages through the Bot API sendMessage method.
// OwnerRef values are chat ids prefixed "tg:"; other refs are skipped.
type Telegram struct {
	endpoint string
	token    string
	client   *http.Client
	log      logging.Logger
}

const defaultEndpoint = "https://api.telegram.org"

func NewTelegram(token string, endpoint string, log logging.Logger) *Telegram {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Telegram{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log.With("component", "notifier"),
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (t *Telegram) Notify(ctx context.Context, ownerRef string, message string) error {
	chatID, ok := chatIDFromOwnerRef(ownerRef)
	if !ok {
		t.log.Debug(ctx, "owner ref has no chat id, skipping notification", "owner", ownerRef)
		return nil
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: message, ParseMode: "HTML"})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.endpoint, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
}

// chatIDFromOwnerRef extracts the chat id from refs shaped "tg:<id>".
func chatIDFromOwnerRef(ownerRef string) (string, bool) {
	const prefix = "tg:"
	if len(ownerRef) <= len(prefix) || ownerRef[:len(prefix)] != prefix {
		return "", false
	}
	return ownerRef[len(prefix):], true
}

var _ Notifier = (*Telegram)(nil)
