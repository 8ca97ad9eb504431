package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeInterceptor_StateOrder(t *testing.T) {
	client, frontend := tcpPair(t)
	_, backend := tcpPair(t)

	interceptor := NewHandshakeInterceptor(frontend)

	assert.ErrorIs(t, interceptor.WriteHandshake(backend, testHandshake), ErrHandshakeNotRead)
	assert.ErrorIs(t, interceptor.EnterPassthrough(context.Background(), nil), ErrHandshakeNotWritten)

	require.NoError(t, mcproto.WriteHandshake(client, testHandshake))
	handshake, err := interceptor.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, testHandshake, handshake)

	_, err = interceptor.ReadHandshake()
	assert.ErrorIs(t, err, ErrHandshakeAlreadyRead)
	assert.ErrorIs(t, interceptor.EnterPassthrough(context.Background(), nil), ErrHandshakeNotWritten)

	require.NoError(t, interceptor.WriteHandshake(backend, handshake))
	assert.Error(t, interceptor.WriteHandshake(backend, handshake))
}

func TestHandshakeInterceptor_OverflowWrittenOnce(t *testing.T) {
	client, frontend := tcpPair(t)
	backendPeer, backend := tcpPair(t)

	encoded, err := mcproto.EncodeHandshakePacket(testHandshake)
	require.NoError(t, err)
	extra := []byte{0x01, 0x00}
	_, err = client.Write(append(encoded, extra...))
	require.NoError(t, err)

	interceptor := NewHandshakeInterceptor(frontend)
	_, err = interceptor.ReadHandshake()
	require.NoError(t, err)

	assert.Equal(t, extra, interceptor.Overflow())

	require.NoError(t, interceptor.WriteHandshake(backend, testHandshake))
	assert.Empty(t, interceptor.Overflow())

	expected := append(encoded, extra...)
	assert.Equal(t, expected, readExactly(t, backendPeer, len(expected)))
}

func TestHandshakeInterceptor_PassthroughCountsAndCloses(t *testing.T) {
	client, frontend := tcpPair(t)
	backendPeer, backend := tcpPair(t)

	require.NoError(t, mcproto.WriteHandshake(client, testHandshake))

	interceptor := NewHandshakeInterceptor(frontend)
	handshake, err := interceptor.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, interceptor.WriteHandshake(backend, handshake))

	encoded, err := mcproto.EncodeHandshakePacket(handshake)
	require.NoError(t, err)
	readExactly(t, backendPeer, len(encoded))

	results := make(chan PassthroughResult, 1)
	require.NoError(t, interceptor.EnterPassthrough(context.Background(), func(result PassthroughResult) {
		results <- result
	}))
	assert.ErrorIs(t, interceptor.EnterPassthrough(context.Background(), nil), ErrHandshakeNotWritten)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readExactly(t, backendPeer, 5))

	_, err = backendPeer.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), readExactly(t, client, 2))

	require.NoError(t, client.Close())
	assertClosedByPeer(t, backendPeer)
	require.NoError(t, backendPeer.Close())

	select {
	case result := <-results:
		assert.Equal(t, int64(5), result.FrontendToBackend)
		assert.Equal(t, int64(2), result.BackendToFrontend)
		assert.NoError(t, result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("passthrough did not finish")
	}
}

func TestHandshakeInterceptor_PassthroughKeepsRelayingAfterHalfClose(t *testing.T) {
	client, frontend := tcpPair(t)
	backendPeer, backend := tcpPair(t)

	require.NoError(t, mcproto.WriteHandshake(client, testHandshake))

	interceptor := NewHandshakeInterceptor(frontend)
	handshake, err := interceptor.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, interceptor.WriteHandshake(backend, handshake))

	encoded, err := mcproto.EncodeHandshakePacket(handshake)
	require.NoError(t, err)
	readExactly(t, backendPeer, len(encoded))

	results := make(chan PassthroughResult, 1)
	require.NoError(t, interceptor.EnterPassthrough(context.Background(), func(result PassthroughResult) {
		results <- result
	}))

	request := []byte("status-request")
	_, err = client.Write(request)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	assert.Equal(t, request, readExactly(t, backendPeer, len(request)))
	// the client's end of stream reaches the backend as a write shutdown
	assertClosedByPeer(t, backendPeer)

	response := []byte("status-response")
	_, err = backendPeer.Write(response)
	require.NoError(t, err)
	assert.Equal(t, response, readExactly(t, client, len(response)))

	select {
	case <-results:
		t.Fatal("passthrough finished while the backend was still sending")
	default:
	}

	require.NoError(t, backendPeer.Close())
	assertClosedByPeer(t, client)

	select {
	case result := <-results:
		assert.Equal(t, int64(len(request)), result.FrontendToBackend)
		assert.Equal(t, int64(len(response)), result.BackendToFrontend)
		assert.NoError(t, result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("passthrough did not finish")
	}
}

func TestHandshakeInterceptor_ReadHandshakeLogsLoginIntent(t *testing.T) {
	tests := []struct {
		name      string
		nextState mcproto.State
		logged    bool
	}{
		{name: "login", nextState: mcproto.StateLogin, logged: true},
		{name: "status", nextState: mcproto.StateStatus, logged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, frontend := tcpPair(t)
			handshake := *testHandshake
			handshake.NextState = tt.nextState
			require.NoError(t, mcproto.WriteHandshake(client, &handshake))

			logger, hook := logrustest.NewNullLogger()
			interceptor := NewHandshakeInterceptor(frontend)
			interceptor.UseLogger(logrus.NewEntry(logger))
			_, err := interceptor.ReadHandshake()
			require.NoError(t, err)

			var messages []string
			for _, entry := range hook.AllEntries() {
				messages = append(messages, entry.Message)
			}
			if tt.logged {
				assert.Contains(t, messages, "Client began a login-intent connection")
			} else {
				assert.NotContains(t, messages, "Client began a login-intent connection")
			}
		})
	}
}

func TestHandshakeInterceptor_PassthroughEndsOnCancel(t *testing.T) {
	client, frontend := tcpPair(t)
	backendPeer, backend := tcpPair(t)

	require.NoError(t, mcproto.WriteHandshake(client, testHandshake))

	interceptor := NewHandshakeInterceptor(frontend)
	handshake, err := interceptor.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, interceptor.WriteHandshake(backend, handshake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	require.NoError(t, interceptor.EnterPassthrough(ctx, func(PassthroughResult) {
		close(done)
	}))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("passthrough did not observe cancellation")
	}

	assertClosedByPeer(t, client)
	encoded, err := mcproto.EncodeHandshakePacket(handshake)
	require.NoError(t, err)
	readExactly(t, backendPeer, len(encoded))
	assertClosedByPeer(t, backendPeer)
}
