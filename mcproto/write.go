package mcproto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WriteVarInt writes a VarInt (Minecraft format) to w
func WriteVarInt(w io.Writer, value int32) error {
	var buf [MaxVarIntLength]byte
	i := 0
	v := uint32(value)
	for {
		temp := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			temp |= 0x80
		}
		buf[i] = temp
		i++
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf[:i])
	return err
}

// WriteString writes a Minecraft length-prefixed string
func WriteString(w io.Writer, s string) error {
	if err := WriteVarInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func WriteUnsignedShort(w io.Writer, value uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], value)
	_, err := w.Write(buf[:])
	return err
}

// EncodeFrame prefixes payload with its length as a VarInt
func EncodeFrame(payload []byte) []byte {
	var framed bytes.Buffer
	framed.Grow(MaxVarIntLength + len(payload))
	_ = WriteVarInt(&framed, int32(len(payload)))
	framed.Write(payload)
	return framed.Bytes()
}

// buildPacket builds a framed packet: [length VarInt][packetId VarInt][payload]
func buildPacket(packetID int32, payload []byte) []byte {
	var b bytes.Buffer
	_ = WriteVarInt(&b, packetID)
	b.Write(payload)

	return EncodeFrame(b.Bytes())
}

// EncodeHandshake encodes the fields of the handshake, without packet ID or framing
func EncodeHandshake(handshake *Handshake) ([]byte, error) {
	if len(handshake.ServerAddress) > MaxServerAddressLength {
		return nil, errors.Errorf("server address length %d exceeds maximum of %d",
			len(handshake.ServerAddress), MaxServerAddressLength)
	}
	if !handshake.NextState.Valid() {
		return nil, errors.Errorf("invalid next state %d", int(handshake.NextState))
	}

	var payload bytes.Buffer
	_ = WriteVarInt(&payload, int32(handshake.ProtocolVersion))
	_ = WriteString(&payload, handshake.ServerAddress)
	_ = WriteUnsignedShort(&payload, handshake.ServerPort)
	_ = WriteVarInt(&payload, int32(handshake.NextState))
	return payload.Bytes(), nil
}

// EncodeHandshakePacket encodes the handshake as a complete, framed packet ready to be written
func EncodeHandshakePacket(handshake *Handshake) ([]byte, error) {
	payload, err := EncodeHandshake(handshake)
	if err != nil {
		return nil, err
	}
	return buildPacket(PacketIdHandshake, payload), nil
}

// WriteHandshake writes the handshake as a framed packet to w
func WriteHandshake(w io.Writer, handshake *Handshake) error {
	pkt, err := EncodeHandshakePacket(handshake)
	if err != nil {
		return err
	}
	_, err = w.Write(pkt)
	return err
}
