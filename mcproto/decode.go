package mcproto

import (
	"bytes"

	"github.com/pkg/errors"
)

// DecodeHandshakePacket decodes the handshake carried by a packet. Since a handshake is the
// only packet that may start a connection, any other packet ID is a ProtocolError.
func DecodeHandshakePacket(packet *Packet) (*Handshake, error) {
	if packet == nil {
		return nil, errors.New("packet is required")
	}
	if packet.PacketID != PacketIdHandshake {
		return nil, protocolErrorf("unexpected packet ID %#x, expected handshake", packet.PacketID)
	}
	return DecodeHandshake(packet.Data)
}

// DecodeHandshake takes the Packet.Data bytes and decodes a Handshake message from it.
// Bytes remaining after the next state are ignored.
func DecodeHandshake(data []byte) (*Handshake, error) {
	handshake := &Handshake{}
	buffer := bytes.NewBuffer(data)

	protocolVersion, err := ReadVarInt(buffer)
	if err != nil {
		return nil, asTruncated(err, "protocol version")
	}
	handshake.ProtocolVersion = ProtocolVersion(protocolVersion)

	handshake.ServerAddress, err = ReadString(buffer, MaxServerAddressLength)
	if err != nil {
		return nil, asTruncated(err, "server address")
	}

	handshake.ServerPort, err = ReadUnsignedShort(buffer)
	if err != nil {
		return nil, asTruncated(err, "server port")
	}

	nextState, err := ReadVarInt(buffer)
	if err != nil {
		return nil, asTruncated(err, "next state")
	}
	handshake.NextState = State(nextState)
	if !handshake.NextState.Valid() {
		return nil, protocolErrorf("unrecognized next state %d", nextState)
	}

	return handshake, nil
}
