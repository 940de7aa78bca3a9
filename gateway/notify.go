package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/notify"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/retry"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/webhook"
)

// webhookRetry keeps webhook egress short; a stuck endpoint must not
// hold a notify dispatch for long.
var webhookRetry = retry.Config{
	MaxAttempts:       3,
	InitialBackoff:    250 * time.Millisecond,
	MaxBackoff:        5 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            0.2,
}

// dispatchLog is the notify dispatcher for "log" channels.
func (gw *Gateway) dispatchLog(ch notify.Channel, eventType, body string, _ map[string]string) error {
	gw.log.Info(context.Background(), "notification", "channel", ch.ID, "event", eventType, "message", body)
	return nil
}

// dispatchWebhook is the notify dispatcher for "webhook" channels. The
// channel target is the destination URL.
func (gw *Gateway) dispatchWebhook(ch notify.Channel, eventType, body string, payload map[string]string) error {
	doc := map[string]any{
		"event":   eventType,
		"message": body,
		"payload": payload,
		"atMs":    gw.clk.NowMs(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return gw.deliverWebhook(ch.Target, eventType, raw, false)
}

// SendTestWebhook posts a synthetic event to url and records it in the
// delivery log, marked as a test.
func (gw *Gateway) SendTestWebhook(url string) error {
	raw, err := json.Marshal(map[string]any{
		"event":   "test",
		"message": "paygate test delivery",
		"atMs":    gw.clk.NowMs(),
	})
	if err != nil {
		return err
	}
	return gw.deliverWebhook(url, "test", raw, true)
}

// deliverWebhook posts one JSON payload, signing when a secret is
// configured, and records the attempt outcome in the delivery log.
func (gw *Gateway) deliverWebhook(url, eventType string, body []byte, test bool) error {
	d, err := gw.hooks.Begin(url, eventType, len(body), test)
	if err != nil {
		return err
	}
	start := gw.clk.NowMs()
	err = retry.Do(context.Background(), webhookRetry, func(ctx context.Context) error {
		return gw.postWebhook(ctx, url, eventType, body, test)
	})
	durMs := gw.clk.NowMs() - start
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if _, cerr := gw.hooks.Complete(d.ID, err == nil, msg, durMs); cerr != nil {
		gw.log.Warn(context.Background(), "webhook outcome not recorded", "delivery", d.ID, "err", cerr.Error())
	}
	return err
}

func (gw *Gateway) postWebhook(ctx context.Context, url, eventType string, body []byte, test bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, eventType)
	if secret := gw.cfg.WebhookSecret; secret != "" {
		req.Header.Set(webhook.HeaderSignature, webhook.Signature(secret, body))
	}
	if test {
		req.Header.Set(webhook.HeaderTest, "1")
	}
	resp, err := gw.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "webhook " + resp.Status}
	}
	return nil
}
