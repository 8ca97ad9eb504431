package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebhookReceiver(t *testing.T) (string, <-chan WebhookNotifierPayload) {
	t.Helper()
	received := make(chan WebhookNotifierPayload, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload WebhookNotifierPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- payload
	}))
	t.Cleanup(srv.Close)
	return srv.URL, received
}

func nextPayload(t *testing.T, received <-chan WebhookNotifierPayload) WebhookNotifierPayload {
	t.Helper()
	select {
	case payload := <-received:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
		return WebhookNotifierPayload{}
	}
}

func TestWebhookNotifier_Payloads(t *testing.T) {
	url, received := startWebhookReceiver(t)
	notifier := NewWebhookNotifier(url, false)

	info := &ConnectionInfo{
		ConnId:        uuid.New(),
		ClientAddr:    &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51234},
		ServerAddress: "play.example.com",
		NextState:     mcproto.StateStatus,
	}

	require.NoError(t, notifier.NotifyFailedBackendConnection(context.Background(), info, "10.0.0.1:25565", errors.New("refused")))
	payload := nextPayload(t, received)
	assert.Equal(t, WebhookEventConnecting, payload.Event)
	assert.Equal(t, WebhookStatusFailedBackendConnection, payload.Status)
	assert.Equal(t, info.ConnId.String(), payload.ConnectionId)
	assert.Equal(t, &ClientInfo{Host: "203.0.113.7", Port: 51234}, payload.Client)
	assert.Equal(t, "play.example.com", payload.Server)
	assert.Equal(t, "status", payload.NextState)
	assert.Equal(t, "10.0.0.1:25565", payload.BackendHostPort)
	assert.Equal(t, "refused", payload.Error)

	require.NoError(t, notifier.NotifyConnected(context.Background(), info, "10.0.0.2:25565"))
	payload = nextPayload(t, received)
	assert.Equal(t, WebhookEventConnecting, payload.Event)
	assert.Equal(t, WebhookStatusSuccess, payload.Status)
	assert.Empty(t, payload.Error)

	require.NoError(t, notifier.NotifyDisconnected(context.Background(), info, "10.0.0.2:25565"))
	payload = nextPayload(t, received)
	assert.Equal(t, WebhookEventDisconnecting, payload.Event)

	require.NoError(t, notifier.NotifyResolutionFailed(context.Background(), info, errors.New("no records")))
	payload = nextPayload(t, received)
	assert.Equal(t, WebhookStatusResolutionFailed, payload.Status)
	assert.Empty(t, payload.BackendHostPort)
}

func TestWebhookNotifier_RequireLogin(t *testing.T) {
	url, received := startWebhookReceiver(t)
	notifier := NewWebhookNotifier(url, true)

	statusInfo := &ConnectionInfo{ConnId: uuid.New(), NextState: mcproto.StateStatus}
	require.NoError(t, notifier.NotifyConnected(context.Background(), statusInfo, "10.0.0.2:25565"))

	loginInfo := &ConnectionInfo{ConnId: uuid.New(), NextState: mcproto.StateLogin}
	require.NoError(t, notifier.NotifyConnected(context.Background(), loginInfo, "10.0.0.2:25565"))

	payload := nextPayload(t, received)
	assert.Equal(t, loginInfo.ConnId.String(), payload.ConnectionId)
	assert.Nil(t, payload.Client)

	select {
	case extra := <-received:
		t.Fatalf("unexpected webhook call for %s", extra.ConnectionId)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientInfoFromAddr(t *testing.T) {
	assert.Nil(t, ClientInfoFromAddr(nil))
	assert.Equal(t, &ClientInfo{Host: "::1", Port: 25565},
		ClientInfoFromAddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 25565}))

	pipeEnd, other := net.Pipe()
	defer pipeEnd.Close()
	defer other.Close()
	assert.Equal(t, &ClientInfo{Host: "pipe"}, ClientInfoFromAddr(pipeEnd.RemoteAddr()))
}
