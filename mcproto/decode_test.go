package mcproto

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		handshake Handshake
	}{
		{
			name: "login",
			handshake: Handshake{
				ProtocolVersion: 758,
				ServerAddress:   "play.example.com",
				ServerPort:      25565,
				NextState:       StateLogin,
			},
		},
		{
			name: "status with negative protocol version",
			handshake: Handshake{
				ProtocolVersion: -1,
				ServerAddress:   "localhost",
				ServerPort:      1,
				NextState:       StateStatus,
			},
		},
		{
			name: "empty address",
			handshake: Handshake{
				ProtocolVersion: 0,
				ServerAddress:   "",
				ServerPort:      0,
				NextState:       StateHandshaking,
			},
		},
		{
			name: "address at maximum length",
			handshake: Handshake{
				ProtocolVersion: 2147483647,
				ServerAddress:   strings.Repeat("a", MaxServerAddressLength),
				ServerPort:      65535,
				NextState:       StateLogin,
			},
		},
		{
			name: "forge marker in address",
			handshake: Handshake{
				ProtocolVersion: 47,
				ServerAddress:   "forge.my.domain\x00FML2\x00",
				ServerPort:      25565,
				NextState:       StateLogin,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeHandshakePacket(&tt.handshake)
			require.NoError(t, err)

			frame, overflow, err := ReadFrame(bytes.NewReader(encoded), nil)
			require.NoError(t, err)
			assert.Empty(t, overflow)

			packet, err := PacketFromFrame(frame)
			require.NoError(t, err)

			decoded, err := DecodeHandshakePacket(packet)
			require.NoError(t, err)
			assert.Equal(t, tt.handshake, *decoded)
		})
	}
}

func TestDecodeHandshake_Failures(t *testing.T) {
	validFields := func(address string, nextState int32) []byte {
		var buf bytes.Buffer
		_ = WriteVarInt(&buf, 758)
		_ = WriteString(&buf, address)
		_ = WriteUnsignedShort(&buf, 25565)
		_ = WriteVarInt(&buf, nextState)
		return buf.Bytes()
	}

	tests := []struct {
		name    string
		data    []byte
		wantEOF bool
	}{
		{
			name: "address too long",
			data: validFields(strings.Repeat("a", MaxServerAddressLength+1), 2),
		},
		{
			name: "unrecognized next state",
			data: validFields("play.example.com", 3),
		},
		{
			name: "negative next state",
			data: validFields("play.example.com", -1),
		},
		{
			name:    "truncated port",
			data:    validFields("play.example.com", 2)[:20],
			wantEOF: true,
		},
		{
			name:    "truncated address",
			data:    validFields("play.example.com", 2)[:6],
			wantEOF: true,
		},
		{
			name:    "empty",
			data:    []byte{},
			wantEOF: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() {
				_, err = DecodeHandshake(tt.data)
			})
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			if tt.wantEOF {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			}
		})
	}
}

func TestDecodeHandshakePacket_UnknownPacketID(t *testing.T) {
	_, err := DecodeHandshakePacket(&Packet{PacketID: 0x01, Data: []byte{}})

	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeHandshake_HugeDeclaredAddressLength(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteVarInt(&buf, 758)
	_ = WriteVarInt(&buf, 2147483647)

	_, err := DecodeHandshake(buf.Bytes())

	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeHandshake_IgnoresTrailingBytes(t *testing.T) {
	payload, err := EncodeHandshake(&Handshake{
		ProtocolVersion: 758,
		ServerAddress:   "play.example.com",
		ServerPort:      25565,
		NextState:       StateStatus,
	})
	require.NoError(t, err)

	decoded, err := DecodeHandshake(append(payload, 0xDE, 0xAD))
	require.NoError(t, err)
	assert.Equal(t, StateStatus, decoded.NextState)
}
