package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramSender posts run summaries to a Telegram chat. An empty token or
// chat ID disables sending.
type TelegramSender struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	log      zerolog.Logger
}

func NewTelegramSender(botToken, chatID string, log zerolog.Logger) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// WithAPIBase points the sender at a different endpoint.
func (s *TelegramSender) WithAPIBase(base string) *TelegramSender {
	s.apiBase = base
	return s
}

func (s *TelegramSender) Send(message string) error {
	if s.botToken == "" || s.chatID == "" {
		return nil
	}

	body, err := sonic.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode)
	}

	s.log.Debug().Int("chars", len(message)).Msg("telegram notification sent")
	return nil
}
