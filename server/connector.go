package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/juju/ratelimit"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultConnectTimeout   = 10 * time.Second
)

var noDeadline time.Time

// Connector accepts client connections, intercepts their handshake, and splices each one
// onto the first backend candidate that accepts a connection.
type Connector struct {
	ctx            context.Context
	metrics        *ConnectorMetrics
	backends       BackendResolver
	rewriteAddress string
	sendProxyProto bool

	handshakeTimeout time.Duration
	connectTimeout   time.Duration

	receiveProxyProto  bool
	trustedProxyNets   []*net.IPNet
	clientFilter       *ClientFilter
	connectionNotifier ConnectionNotifier
	ngrokToken         string
	ngrokRemoteAddr    string

	totalActiveConnections int32
	// connections tracks the accept loop and every connection from accept until its passthrough ends
	connections sync.WaitGroup
}

func NewConnector(ctx context.Context, metrics *ConnectorMetrics, backends BackendResolver,
	rewriteAddress string, sendProxyProto bool) *Connector {

	return &Connector{
		ctx:              ctx,
		metrics:          metrics,
		backends:         backends,
		rewriteAddress:   rewriteAddress,
		sendProxyProto:   sendProxyProto,
		handshakeTimeout: defaultHandshakeTimeout,
		connectTimeout:   defaultConnectTimeout,
		clientFilter:     NewClientFilterAllowAll(),
	}
}

// UseTimeouts overrides the default handshake read and per-candidate connect timeouts.
// Zero or negative values leave the corresponding default in place.
func (c *Connector) UseTimeouts(handshakeTimeout, connectTimeout time.Duration) {
	if handshakeTimeout > 0 {
		c.handshakeTimeout = handshakeTimeout
	}
	if connectTimeout > 0 {
		c.connectTimeout = connectTimeout
	}
}

func (c *Connector) UseReceiveProxyProto(trustedProxyNets []*net.IPNet) {
	c.receiveProxyProto = true
	c.trustedProxyNets = trustedProxyNets
}

func (c *Connector) UseClientFilter(clientFilter *ClientFilter) {
	c.clientFilter = clientFilter
}

func (c *Connector) UseConnectionNotifier(notifier ConnectionNotifier) {
	c.connectionNotifier = notifier
}

func (c *Connector) UseNgrok(config NgrokConfig) {
	c.ngrokToken = config.Token
	c.ngrokRemoteAddr = config.RemoteAddr
}

// StartAcceptingConnections begins listening and serving client connections in the background.
// The returned address is where clients can connect.
func (c *Connector) StartAcceptingConnections(listenAddress string, connRateLimit int) (net.Addr, error) {
	ln, err := c.createListener(listenAddress)
	if err != nil {
		return nil, err
	}

	c.connections.Add(1)
	go c.acceptConnections(ln, connRateLimit)

	return ln.Addr(), nil
}

func (c *Connector) createListener(listenAddress string) (net.Listener, error) {
	if c.ngrokToken != "" {
		var opts []ngrokConfig.TCPEndpointOption
		if c.ngrokRemoteAddr != "" {
			opts = append(opts, ngrokConfig.WithRemoteAddr(c.ngrokRemoteAddr))
		}

		tunnel, err := ngrok.Listen(c.ctx,
			ngrokConfig.TCPEndpoint(opts...),
			ngrok.WithAuthtoken(c.ngrokToken),
		)
		if err != nil {
			return nil, errors.Wrap(err, "unable to start ngrok tunnel")
		}
		logrus.WithField("ngrokUrl", tunnel.URL()).Info("Listening for Minecraft client connections via ngrok tunnel")
		return tunnel, nil
	}

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, errors.Wrap(err, "unable to start listening")
	}
	logrus.WithField("listenAddress", listener.Addr()).Info("Listening for Minecraft client connections")

	if c.receiveProxyProto {
		proxyListener := &proxyproto.Listener{
			Listener: listener,
			Policy:   c.createProxyProtoPolicy(),
		}
		logrus.Info("Using PROXY protocol listener")
		return proxyListener, nil
	}

	return listener, nil
}

func (c *Connector) createProxyProtoPolicy() func(upstream net.Addr) (proxyproto.Policy, error) {
	return func(upstream net.Addr) (proxyproto.Policy, error) {
		if len(c.trustedProxyNets) == 0 {
			return proxyproto.USE, nil
		}

		tcpAddr, ok := upstream.(*net.TCPAddr)
		if !ok {
			return proxyproto.IGNORE, nil
		}
		for _, ipNet := range c.trustedProxyNets {
			if ipNet.Contains(tcpAddr.IP) {
				return proxyproto.USE, nil
			}
		}
		return proxyproto.IGNORE, nil
	}
}

func (c *Connector) acceptConnections(ln net.Listener, connRateLimit int) {
	defer c.connections.Done()
	//noinspection GoUnhandledErrorResult
	defer ln.Close()

	go func() {
		<-c.ctx.Done()
		_ = ln.Close()
	}()

	if connRateLimit < 1 {
		connRateLimit = 1
	}
	bucket := ratelimit.NewBucketWithRate(float64(connRateLimit), int64(connRateLimit*2))

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(bucket.Take(1)):
			c.metrics.RateLimitAvailable.Set(float64(bucket.Available()))

			conn, err := ln.Accept()
			if err != nil {
				if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					logrus.Debug("Stopped accepting connections")
					return
				}
				logrus.WithError(err).Error("Failed to accept connection")
				continue
			}
			c.AcceptConnection(conn)
		}
	}
}

// AcceptConnection handles the given client connection in the background.
// Note that this will skip rate limiting.
func (c *Connector) AcceptConnection(conn net.Conn) {
	c.connections.Add(1)
	go c.handleConnection(c.ctx, conn, c.connections.Done)
}

// HandleConnection intercepts the handshake of frontendConn and connects it to a backend.
// It returns once passthrough has started or the connection was abandoned. No error is
// returned since every failure is logged and counted.
func (c *Connector) HandleConnection(ctx context.Context, frontendConn net.Conn) {
	c.connections.Add(1)
	c.handleConnection(ctx, frontendConn, c.connections.Done)
}

// WaitForConnections blocks until the accept loop has stopped and every passthrough has ended
func (c *Connector) WaitForConnections() {
	c.connections.Wait()
}

// handleConnection calls done exactly once, when frontendConn is no longer in use
func (c *Connector) handleConnection(ctx context.Context, frontendConn net.Conn, done func()) {
	c.metrics.ConnectionsFrontend.Add(1)

	clientAddr := frontendConn.RemoteAddr()
	connId := uuid.New()
	logger := logrus.
		WithField("client", clientAddr).
		WithField("connId", connId)

	handedOff := false
	defer func() {
		if !handedOff {
			//noinspection GoUnhandledErrorResult
			frontendConn.Close()
			logger.Debug("Closed frontend connection")
			done()
		}
	}()

	if !c.clientFilter.AllowAddr(clientAddr) {
		logger.Info("Client is not allowed to connect")
		c.metrics.Errors.With("type", errTypeClientFilter).Add(1)
		return
	}

	logger.Debug("Got connection")

	if err := frontendConn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		logger.
			WithError(err).
			Error("Failed to set read deadline")
		c.metrics.Errors.With("type", errTypeReadDeadline).Add(1)
		return
	}

	interceptor := NewHandshakeInterceptor(frontendConn)
	interceptor.UseLogger(logger)
	handshake, err := interceptor.ReadHandshake()
	if err != nil {
		var protocolErr *mcproto.ProtocolError
		if errors.As(err, &protocolErr) {
			logger.WithError(err).Error("Client sent an invalid handshake")
			c.metrics.Errors.With("type", errTypeProtocol).Add(1)
		} else {
			logger.WithError(err).Error("Failed to read handshake")
			c.metrics.Errors.With("type", errTypeRead).Add(1)
		}
		return
	}

	logger = logger.WithField("serverAddress", handshake.ServerAddress)
	logger.
		WithField("handshake", handshake).
		WithField("overflow", len(interceptor.Overflow())).
		Debug("Got handshake")
	c.metrics.Handshakes.With("next_state", handshake.NextState.String()).Add(1)

	info := &ConnectionInfo{
		ConnId:        connId,
		ClientAddr:    clientAddr,
		ServerAddress: handshake.ServerAddress,
		NextState:     handshake.NextState,
	}

	backendConn, backendHostPort, ok := c.connectBackend(ctx, logger, info)
	if !ok {
		return
	}
	logger = logger.WithField("backend", backendHostPort)

	abandonBackend := func() {
		//noinspection GoUnhandledErrorResult
		backendConn.Close()
	}

	if c.sendProxyProto {
		header := proxyproto.HeaderProxyFromAddrs(2, clientAddr, backendConn.RemoteAddr())
		if _, err := header.WriteTo(backendConn); err != nil {
			logger.
				WithError(err).
				WithField("destAddr", header.DestinationAddr).
				Error("Failed to write PROXY header")
			c.metrics.Errors.With("type", errTypeProxyWrite).Add(1)
			abandonBackend()
			return
		}
	}

	if err := interceptor.WriteHandshake(backendConn, handshake.WithServerAddress(c.rewriteAddress)); err != nil {
		logger.WithError(err).Error("Failed to write handshake to backend connection")
		c.metrics.Errors.With("type", errTypeHandshakeWrite).Add(1)
		abandonBackend()
		return
	}

	if err := frontendConn.SetReadDeadline(noDeadline); err != nil {
		logger.
			WithError(err).
			Error("Failed to clear read deadline")
		c.metrics.Errors.With("type", errTypeReadDeadline).Add(1)
		abandonBackend()
		return
	}

	c.metrics.ConnectionsBackend.With("host", backendHostPort).Add(1)
	c.metrics.ActiveConnections.Set(float64(
		atomic.AddInt32(&c.totalActiveConnections, 1)))

	if c.connectionNotifier != nil {
		if err := c.connectionNotifier.NotifyConnected(ctx, info, backendHostPort); err != nil {
			logger.WithError(err).Warn("failed to notify connected")
		}
	}

	logger.Info("Connected client to backend")

	err = interceptor.EnterPassthrough(ctx, func(result PassthroughResult) {
		defer done()

		c.metrics.BytesTransmitted.Add(float64(result.FrontendToBackend + result.BackendToFrontend))
		c.metrics.ActiveConnections.Set(float64(
			atomic.AddInt32(&c.totalActiveConnections, -1)))

		if result.Err != nil {
			logger.WithError(result.Err).Error("Error observed on connection relay")
			c.metrics.Errors.With("type", errTypeRelay).Add(1)
		}

		if c.connectionNotifier != nil {
			if err := c.connectionNotifier.NotifyDisconnected(ctx, info, backendHostPort); err != nil {
				logger.WithError(err).Warn("failed to notify disconnected")
			}
		}

		logger.
			WithField("toBackend", result.FrontendToBackend).
			WithField("toClient", result.BackendToFrontend).
			Info("Closed connection to backend")
	})
	if err != nil {
		logger.WithError(err).Error("Failed to enter passthrough")
		c.metrics.Errors.With("type", errTypeRelay).Add(1)
		c.metrics.ActiveConnections.Set(float64(
			atomic.AddInt32(&c.totalActiveConnections, -1)))
		abandonBackend()
		return
	}
	handedOff = true
}

// connectBackend resolves a fresh set of candidates and dials them in order until one accepts
func (c *Connector) connectBackend(ctx context.Context, logger *logrus.Entry, info *ConnectionInfo) (net.Conn, string, bool) {
	candidates, err := c.backends.Candidates(ctx)
	if err != nil {
		logger.WithError(err).Error("Unable to resolve backend candidates")
		c.metrics.Errors.With("type", errTypeResolution).Add(1)

		if c.connectionNotifier != nil {
			if notifyErr := c.connectionNotifier.NotifyResolutionFailed(ctx, info, err); notifyErr != nil {
				logger.WithError(notifyErr).Warn("failed to notify resolution failure")
			}
		}
		return nil, "", false
	}

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	attempts := 0
	for {
		record, ok := candidates.Next()
		if !ok {
			break
		}
		attempts++

		backendHostPort := record.HostPort()
		c.metrics.BackendAttempts.With("host", backendHostPort).Add(1)

		logger.
			WithField("candidate", record).
			Debug("Connecting to backend candidate")

		backendConn, err := dialer.DialContext(ctx, "tcp", backendHostPort)
		if err != nil {
			logger.
				WithError(err).
				WithField("candidate", record).
				Warn("Unable to connect to backend candidate")
			c.metrics.Errors.With("type", errTypeBackendFailed).Add(1)

			if c.connectionNotifier != nil {
				if notifyErr := c.connectionNotifier.NotifyFailedBackendConnection(ctx, info, backendHostPort, err); notifyErr != nil {
					logger.WithError(notifyErr).Warn("failed to notify failed backend connection")
				}
			}
			continue
		}

		return backendConn, backendHostPort, true
	}

	logger.
		WithField("attempts", attempts).
		Error("No backend candidate accepted the connection")
	c.metrics.Errors.With("type", errTypeBackendsExhausted).Add(1)
	return nil, "", false
}
