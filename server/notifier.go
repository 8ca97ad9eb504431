package server

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/itzg/mc-srv-proxy/mcproto"
)

// ConnectionInfo identifies a client connection once its handshake has been read
type ConnectionInfo struct {
	ConnId        uuid.UUID
	ClientAddr    net.Addr
	ServerAddress string
	NextState     mcproto.State
}

type ConnectionNotifier interface {
	// NotifyResolutionFailed is called when no backend candidates could be resolved for a connection.
	NotifyResolutionFailed(ctx context.Context, info *ConnectionInfo, err error) error

	// NotifyFailedBackendConnection is called for each backend candidate that could not be connected.
	NotifyFailedBackendConnection(ctx context.Context, info *ConnectionInfo, backendHostPort string, err error) error

	// NotifyConnected is called when the backend connection succeeded and passthrough began.
	NotifyConnected(ctx context.Context, info *ConnectionInfo, backendHostPort string) error

	// NotifyDisconnected is called when passthrough of a connection has ended.
	NotifyDisconnected(ctx context.Context, info *ConnectionInfo, backendHostPort string) error
}
