package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/sirupsen/logrus"
)

// WebhookNotifier implements ConnectionNotifier by sending a POST request to a webhook URL.
// The payload is a JSON object defined by WebhookNotifierPayload.
type WebhookNotifier struct {
	url          string
	requireLogin bool

	client *http.Client
}

const (
	WebhookEventConnecting    = "connect"
	WebhookEventDisconnecting = "disconnect"
)

const (
	WebhookStatusResolutionFailed        = "resolution-failed"
	WebhookStatusFailedBackendConnection = "failed-backend-connection"
	WebhookStatusSuccess                 = "success"
)

type ClientInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func ClientInfoFromAddr(addr net.Addr) *ClientInfo {
	if addr == nil {
		return nil
	}

	host, port, err := splitHostPort(addr.String())
	if err != nil {
		return &ClientInfo{Host: addr.String()}
	}
	return &ClientInfo{Host: host, Port: port}
}

type WebhookNotifierPayload struct {
	Event           string      `json:"event"`
	Timestamp       time.Time   `json:"timestamp"`
	Status          string      `json:"status"`
	ConnectionId    string      `json:"connectionId"`
	Client          *ClientInfo `json:"client"`
	Server          string      `json:"server"`
	NextState       string      `json:"nextState"`
	BackendHostPort string      `json:"backend,omitempty"`
	Error           string      `json:"error,omitempty"`
}

func NewWebhookNotifier(url string, requireLogin bool) *WebhookNotifier {

	return &WebhookNotifier{
		url:          url,
		requireLogin: requireLogin,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (w *WebhookNotifier) NotifyResolutionFailed(ctx context.Context, info *ConnectionInfo, err error) error {
	if w.skip(info) {
		return nil
	}

	payload := w.newPayload(info, WebhookEventConnecting, WebhookStatusResolutionFailed)
	payload.Error = err.Error()
	return w.send(ctx, payload)
}

func (w *WebhookNotifier) NotifyFailedBackendConnection(ctx context.Context, info *ConnectionInfo,
	backendHostPort string, err error) error {
	if w.skip(info) {
		return nil
	}

	payload := w.newPayload(info, WebhookEventConnecting, WebhookStatusFailedBackendConnection)
	payload.BackendHostPort = backendHostPort
	payload.Error = err.Error()
	return w.send(ctx, payload)
}

func (w *WebhookNotifier) NotifyConnected(ctx context.Context, info *ConnectionInfo, backendHostPort string) error {
	if w.skip(info) {
		return nil
	}

	payload := w.newPayload(info, WebhookEventConnecting, WebhookStatusSuccess)
	payload.BackendHostPort = backendHostPort
	return w.send(ctx, payload)
}

func (w *WebhookNotifier) NotifyDisconnected(ctx context.Context, info *ConnectionInfo, backendHostPort string) error {
	if w.skip(info) {
		return nil
	}

	payload := w.newPayload(info, WebhookEventDisconnecting, WebhookStatusSuccess)
	payload.BackendHostPort = backendHostPort
	return w.send(ctx, payload)
}

func (w *WebhookNotifier) skip(info *ConnectionInfo) bool {
	return w.requireLogin && info.NextState != mcproto.StateLogin
}

func (w *WebhookNotifier) newPayload(info *ConnectionInfo, event string, status string) *WebhookNotifierPayload {
	return &WebhookNotifierPayload{
		Event:        event,
		Timestamp:    time.Now(),
		Status:       status,
		ConnectionId: info.ConnId.String(),
		Client:       ClientInfoFromAddr(info.ClientAddr),
		Server:       info.ServerAddress,
		NextState:    info.NextState.String(),
	}
}

func (w *WebhookNotifier) send(ctx context.Context, payload *WebhookNotifierPayload) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	// the connection's context may end before the webhook is delivered
	req, err := http.NewRequestWithContext(
		context.WithoutCancel(ctx),
		http.MethodPost,
		w.url,
		bytes.NewBuffer(jsonPayload),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	go func() {
		resp, err := w.client.Do(req)
		if err != nil {
			logrus.
				WithError(err).
				WithField("url", w.url).
				Warn("Failed to send webhook notification")
			return
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 400 {
			logrus.
				WithField("status", resp.StatusCode).
				Warn("webhook receiver responded with an error")
		}

	}()

	return nil
}
