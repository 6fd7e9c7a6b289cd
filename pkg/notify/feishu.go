// Package notify pushes fleet failures and watch alerts to a Feishu group bot.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const botHookBase = "https://open.feishu.cn/open-apis/bot/v2/hook/"

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Bot posts text messages to a Feishu custom bot webhook.
type Bot struct {
	hookURL    string
	httpClient *http.Client
}

// NewBot accepts either the full webhook URL or only the bot token.
func NewBot(hook string, client *http.Client) (*Bot, error) {
	hook = strings.TrimSpace(hook)
	if hook == "" {
		return nil, errors.New("notify: bot webhook is empty")
	}
	if !strings.Contains(hook, "://") {
		hook = botHookBase + hook
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bot{hookURL: hook, httpClient: client}, nil
}

func (b *Bot) Send(ctx context.Context, text string) error {
	payload := map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "notify: marshal bot payload failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.hookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notify: build bot request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notify: post bot message failed")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		log.Error().Int("status_code", resp.StatusCode).Str("response_body", string(raw)).
			Msg("notify: bot request failed")
		return errors.Errorf("notify: bot responded with status %d", resp.StatusCode)
	}
	// 机器人接口 HTTP 200 也可能带业务错误码
	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil && parsed.Code != 0 {
		return errors.Errorf("notify: bot error code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	log.Debug().Int("chars", len(text)).Msg("notify: bot message sent")
	return nil
}
