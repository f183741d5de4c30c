package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// dingTalkWebhook 通过钉钉群机器人的 webhook 发送文本告警。
type dingTalkWebhook struct {
	url    string
	client *http.Client
}

func newDingTalkWebhook(url string) *dingTalkWebhook {
	return &dingTalkWebhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send 实现 alerting.DingTalkSender。
func (w *dingTalkWebhook) Send(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return fmt.Errorf("编码钉钉消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造钉钉请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送钉钉消息失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("钉钉 webhook 返回状态 %d", resp.StatusCode)
	}
	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("解析钉钉响应失败: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("钉钉 webhook 拒绝消息: %s", result.ErrMsg)
	}
	return nil
}
