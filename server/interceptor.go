package server

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type interceptState int

const (
	stateIntercept interceptState = iota
	stateHandshakeRead
	stateHandshakeWritten
	statePassthrough
)

var (
	ErrHandshakeAlreadyRead = errors.New("handshake was already read")
	ErrHandshakeNotRead     = errors.New("handshake has not been read")
	ErrHandshakeNotWritten  = errors.New("handshake has not been written to the backend")
)

// PassthroughResult summarizes a completed passthrough
type PassthroughResult struct {
	// FrontendToBackend counts bytes relayed after the handshake and its overflow
	FrontendToBackend int64
	BackendToFrontend int64
	// Err is the first relay error observed, if any. Orderly closes are not reported.
	Err error
}

// HandshakeInterceptor takes over exactly the first packet of a client connection.
// It reads the handshake, writes a rewritten handshake plus anything the client sent
// along with it to the backend, and then becomes a plain byte relay.
type HandshakeInterceptor struct {
	inbound  net.Conn
	outbound net.Conn
	overflow []byte
	state    interceptState
	logger   *logrus.Entry
}

func NewHandshakeInterceptor(inbound net.Conn) *HandshakeInterceptor {
	return &HandshakeInterceptor{
		inbound: inbound,
		state:   stateIntercept,
		logger:  logrus.WithField("client", inbound.RemoteAddr()),
	}
}

// UseLogger replaces the logger, such as with one carrying connection identifiers
func (i *HandshakeInterceptor) UseLogger(logger *logrus.Entry) {
	i.logger = logger
}

// ReadHandshake decodes the first frame from the inbound connection as a handshake.
// Bytes read past that frame are retained and later forwarded by WriteHandshake.
func (i *HandshakeInterceptor) ReadHandshake() (*mcproto.Handshake, error) {
	if i.state != stateIntercept {
		return nil, ErrHandshakeAlreadyRead
	}

	packet, overflow, err := mcproto.ReadPacket(i.inbound, i.inbound.RemoteAddr())
	if err != nil {
		return nil, err
	}

	handshake, err := mcproto.DecodeHandshakePacket(packet)
	if err != nil {
		return nil, err
	}

	if handshake.NextState == mcproto.StateLogin {
		i.logger.
			WithField("protocolVersion", handshake.ProtocolVersion).
			Info("Client began a login-intent connection")
	}

	i.overflow = overflow
	i.state = stateHandshakeRead
	return handshake, nil
}

// Overflow returns the bytes that were read beyond the handshake and not yet forwarded
func (i *HandshakeInterceptor) Overflow() []byte {
	return i.overflow
}

// WriteHandshake encodes the given handshake to outbound, immediately followed by any overflow.
// The outbound connection becomes the backend side of the passthrough.
func (i *HandshakeInterceptor) WriteHandshake(outbound net.Conn, handshake *mcproto.Handshake) error {
	if i.state == stateIntercept {
		return ErrHandshakeNotRead
	}
	if i.state != stateHandshakeRead {
		return errors.New("handshake was already written")
	}

	// one write keeps the handshake and whatever the client pipelined after it in order
	var out bytes.Buffer
	if err := mcproto.WriteHandshake(&out, handshake); err != nil {
		return errors.Wrap(err, "failed to encode handshake")
	}
	out.Write(i.overflow)

	if _, err := outbound.Write(out.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write handshake to backend")
	}

	i.logger.
		WithField("handshake", handshake).
		WithField("overflow", len(i.overflow)).
		Debug("Relayed handshake to backend")

	i.overflow = nil
	i.outbound = outbound
	i.state = stateHandshakeWritten
	return nil
}

// EnterPassthrough starts relaying bytes in both directions and returns without waiting.
// When one side finishes sending, the other side's write half is shut down and the
// opposite direction keeps relaying until it also finishes. Both connections are closed
// on a relay error, when ctx is done, or once both directions are finished.
// onDone, if not nil, is called once after both connections are closed.
func (i *HandshakeInterceptor) EnterPassthrough(ctx context.Context, onDone func(result PassthroughResult)) error {
	if i.state != stateHandshakeWritten {
		return ErrHandshakeNotWritten
	}
	i.state = statePassthrough

	go i.relay(ctx, onDone)
	return nil
}

func (i *HandshakeInterceptor) relay(ctx context.Context, onDone func(result PassthroughResult)) {
	type pumpResult struct {
		toBackend bool
		amount    int64
		err       error
	}
	results := make(chan pumpResult, 2)

	pump := func(incoming io.Reader, outgoing io.Writer, toBackend bool) {
		amount, err := io.Copy(outgoing, incoming)
		results <- pumpResult{toBackend: toBackend, amount: amount, err: err}
	}
	go pump(i.inbound, i.outbound, true)
	go pump(i.outbound, i.inbound, false)

	var result PassthroughResult
	record := func(r pumpResult) {
		if r.toBackend {
			result.FrontendToBackend = r.amount
		} else {
			result.BackendToFrontend = r.amount
		}
		if r.err != nil && result.Err == nil && !isClosedConnError(r.err) {
			result.Err = r.err
		}
	}

	closed := false
	// closing both sides unblocks whichever copy is still running
	closeBoth := func() {
		if closed {
			return
		}
		closed = true
		if err := multierr.Append(i.inbound.Close(), i.outbound.Close()); err != nil {
			i.logger.
				WithError(err).
				Trace("Error while closing relayed connections")
		}
	}

	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case r := <-results:
			record(r)
			pending--
			if pending == 0 || closed {
				break
			}
			if r.err != nil {
				closeBoth()
				break
			}
			destination := i.outbound
			if !r.toBackend {
				destination = i.inbound
			}
			if err := closeWrite(destination); err != nil {
				i.logger.
					WithError(err).
					Trace("Unable to shut down write side, closing both")
				closeBoth()
			}
		case <-done:
			i.logger.Debug("Observed context cancellation")
			done = nil
			closeBoth()
		}
	}
	closeBoth()

	i.logger.
		WithField("toBackend", result.FrontendToBackend).
		WithField("toClient", result.BackendToFrontend).
		Debug("Finished relay")

	if onDone != nil {
		onDone(result)
	}
}

// closeWrite forwards an end of stream to the peer of conn. Connections that cannot
// shut down only their write half are closed entirely.
func closeWrite(conn net.Conn) error {
	switch c := conn.(type) {
	case interface{ CloseWrite() error }:
		return c.CloseWrite()
	case *proxyproto.Conn:
		return closeWrite(c.Raw())
	default:
		return conn.Close()
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
