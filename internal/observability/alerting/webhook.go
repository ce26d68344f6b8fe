package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 HTTP webhook 投递告警文本，同时满足 DingTalkSender 与 SlackSender。
type WebhookSender struct {
	URL    string
	Client *http.Client
	// Format 取值 dingtalk 或 slack，决定请求体结构。
	Format Channel
}

// NewDingTalkWebhook 创建钉钉机器人 webhook 发送器。
func NewDingTalkWebhook(url string) *WebhookSender {
	return &WebhookSender{URL: url, Format: ChannelDingTalk}
}

// NewSlackWebhook 创建 Slack incoming webhook 发送器。
func NewSlackWebhook(url string) *WebhookSender {
	return &WebhookSender{URL: url, Format: ChannelSlack}
}

// Send 实现 DingTalkSender。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, "", content)
}

// SendTo 以指定频道发送，供 Slack 使用。
func (s *WebhookSender) SendTo(ctx context.Context, channel, content string) error {
	return s.post(ctx, channel, content)
}

func (s *WebhookSender) post(ctx context.Context, channel, content string) error {
	var payload any
	switch s.Format {
	case ChannelSlack:
		body := map[string]string{"text": content}
		if channel != "" {
			body["channel"] = channel
		}
		payload = body
	default:
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": content},
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("创建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// slackAdapter 把 WebhookSender 适配为 SlackSender。
type slackAdapter struct{ *WebhookSender }

func (a slackAdapter) Send(ctx context.Context, channel, content string) error {
	return a.SendTo(ctx, channel, content)
}

// NewSlackNotifier 使用 webhook 构造 Slack 告警通知器。
func NewSlackNotifier(url, channel string) *SlackNotifier {
	return &SlackNotifier{Sender: slackAdapter{NewSlackWebhook(url)}, ChannelID: channel}
}

// NewDingTalkNotifier 使用 webhook 构造钉钉告警通知器。
func NewDingTalkNotifier(url string) *DingTalkNotifier {
	return &DingTalkNotifier{Sender: NewDingTalkWebhook(url)}
}
