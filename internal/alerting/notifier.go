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

// Kind 标识告警类型。
type Kind string

const (
	KindBackstop     Kind = "backstop"
	KindShortfall    Kind = "shortfall"
	KindSpillover    Kind = "spillover"
	KindRebaseFailed Kind = "rebase_failed"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          Kind
	Epoch         uint64
	At            time.Time
	Zone          string
	BackingRatio  decimal.Decimal
	AnnualRate    decimal.Decimal
	Amount        decimal.Decimal
	Shortfall     decimal.Decimal
	Channels      []string
	AdditionalMsg string
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
		"text":    renderMessage(note),
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Uint64("epoch", note.Epoch).
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Tranche Ledger] %s\n", strings.ToUpper(string(note.Kind))))
	builder.WriteString(fmt.Sprintf("Epoch: %d\n", note.Epoch))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.Zone != "" {
		builder.WriteString(fmt.Sprintf("Zone: %s\n", note.Zone))
	}
	builder.WriteString(fmt.Sprintf("Backing ratio: %s\n", note.BackingRatio.StringFixed(4)))
	if !note.AnnualRate.IsZero() {
		builder.WriteString(fmt.Sprintf("Selected rate: %s%%\n", note.AnnualRate.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	}
	if !note.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Transferred: %s\n", note.Amount.StringFixed(2)))
	}
	if !note.Shortfall.IsZero() {
		builder.WriteString(fmt.Sprintf("Shortfall: %s\n", note.Shortfall.StringFixed(2)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
