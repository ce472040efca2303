package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装检查点过期告警上下文。
type Notification struct {
	Checkpoint    string
	CheckedAt     time.Time
	LastSync      time.Time
	Age           time.Duration
	MaxAge        time.Duration
	Channels      []string
	AdditionalMsg string
}

// Never reports whether the checkpoint has not been recorded at all.
func (n Notification) Never() bool {
	return n.LastSync.IsZero() || n.LastSync.Unix() == 0
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("checkpoint", note.Checkpoint).
		Dur("age", note.Age).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes alerts to the log only. It is used when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("checkpoint", note.Checkpoint).
		Dur("age", note.Age).
		Dur("max_age", note.MaxAge).
		Msg(RenderMessage(note))
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[pricestore Alert]\n")
	builder.WriteString(fmt.Sprintf("Checkpoint: %s\n", note.Checkpoint))
	builder.WriteString(fmt.Sprintf("Checked: %s UTC\n", note.CheckedAt.UTC().Format(time.RFC3339)))
	if note.Never() {
		builder.WriteString("Last sync: never\n")
	} else {
		builder.WriteString(fmt.Sprintf("Last sync: %s UTC\n", note.LastSync.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Age: %sh (max %sh)\n", hours(note.Age), hours(note.MaxAge)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func hours(d time.Duration) string {
	return decimal.NewFromFloat(d.Hours()).StringFixed(2)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
