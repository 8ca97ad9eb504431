package mcproto

import (
	"fmt"
)

// MaxFrameBufferSize bounds how many bytes are buffered while locating the first frame
// of a connection. It matches the maximum packet size of the protocol, 2^21 - 1, plus
// room for a three byte length prefix.
const MaxFrameBufferSize = 2097154

// MaxFrameLength is the largest payload length accepted in a frame's length prefix.
const MaxFrameLength = 2097151

// MaxServerAddressLength is the maximum number of bytes accepted for the handshake's server address
const MaxServerAddressLength = 255

const PacketIdHandshake = 0x00

type Frame struct {
	Length  int
	Payload []byte
}

var trimLimit = 64

func trimBytes(data []byte) ([]byte, string) {
	if len(data) < trimLimit {
		return data, ""
	} else {
		return data[:trimLimit], "..."
	}
}

func (f *Frame) String() string {
	trimmed, cont := trimBytes(f.Payload)
	return fmt.Sprintf("Frame:[len=%d, payload=%#X%s]", f.Length, trimmed, cont)
}

type Packet struct {
	Length   int
	PacketID int
	Data     []byte
}

func (p *Packet) String() string {
	trimmed, cont := trimBytes(p.Data)
	return fmt.Sprintf("Packet:[len=%d, packetId=%d, data=%#X%s]", p.Length, p.PacketID, trimmed, cont)
}

type ProtocolVersion int32

// State is the session type a client declares in its handshake
type State int

const (
	StateHandshaking State = 0
	StateStatus      State = 1
	StateLogin       State = 2
)

func (s State) Valid() bool {
	switch s {
	case StateHandshaking, StateStatus, StateLogin:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type Handshake struct {
	ProtocolVersion ProtocolVersion
	ServerAddress   string
	ServerPort      uint16
	NextState       State
}

// WithServerAddress returns a copy of the handshake where only the server address is replaced
func (h *Handshake) WithServerAddress(serverAddress string) *Handshake {
	return &Handshake{
		ProtocolVersion: h.ProtocolVersion,
		ServerAddress:   serverAddress,
		ServerPort:      h.ServerPort,
		NextState:       h.NextState,
	}
}

func (h *Handshake) String() string {
	return fmt.Sprintf("Handshake:[protocol=%d, address=%q, port=%d, nextState=%s]",
		h.ProtocolVersion, h.ServerAddress, h.ServerPort, h.NextState)
}

// ProtocolError indicates the client sent content that could not be decoded, such as
// a malformed frame, an unrecognized tag, or a field exceeding its bounds.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Msg, e.Err)
	}
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func wrapProtocolError(err error, msg string) error {
	return &ProtocolError{Msg: msg, Err: err}
}
