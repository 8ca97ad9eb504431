package mcproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxVarIntLength is the number of bytes needed to hold a 32-bit VarInt
const MaxVarIntLength = 5

const initialFrameBufferSize = 512

var errVarIntIncomplete = errors.New("incomplete VarInt")

// ReadPacket reads exactly one frame from reader and splits off its packet ID.
// Any bytes that were read from reader beyond the end of the frame are returned as overflow
// and must be replayed by the caller.
func ReadPacket(reader io.Reader, addr net.Addr) (*Packet, []byte, error) {
	logrus.
		WithField("client", addr).
		Debug("Reading packet")

	frame, overflow, err := ReadFrame(reader, addr)
	if err != nil {
		return nil, nil, err
	}

	packet, err := PacketFromFrame(frame)
	if err != nil {
		return nil, nil, err
	}

	logrus.
		WithField("client", addr).
		WithField("packet", packet).
		WithField("overflow", len(overflow)).
		Debug("Read packet")
	return packet, overflow, nil
}

// PacketFromFrame splits the packet ID off the frame's payload
func PacketFromFrame(frame *Frame) (*Packet, error) {
	remainder := bytes.NewBuffer(frame.Payload)
	packetID, err := ReadVarInt(remainder)
	if err != nil {
		return nil, asTruncated(err, "packet ID")
	}

	return &Packet{
		Length:   frame.Length,
		PacketID: packetID,
		Data:     remainder.Bytes(),
	}, nil
}

// ReadFrame reads a VarInt length prefix followed by that many payload bytes.
// Reads are done in chunks, so it is likely that more than the frame is pulled from reader.
// Those extra bytes are returned, in order, as overflow.
//
// At most MaxFrameBufferSize bytes are buffered.
func ReadFrame(reader io.Reader, addr net.Addr) (*Frame, []byte, error) {
	logrus.
		WithField("client", addr).
		Debug("Reading frame")

	buf := make([]byte, 0, initialFrameBufferSize)
	var readErr error
	for {
		length, prefixLen, err := DecodeVarInt(buf)
		switch {
		case err == nil:
			if length < 0 || length > MaxFrameLength {
				return nil, nil, protocolErrorf("frame length %d out of range", length)
			}
			total := prefixLen + length
			if len(buf) >= total {
				frame := &Frame{
					Length:  length,
					Payload: buf[prefixLen:total],
				}
				var overflow []byte
				if len(buf) > total {
					overflow = make([]byte, len(buf)-total)
					copy(overflow, buf[total:])
				}
				logrus.
					WithField("client", addr).
					WithField("frame", frame).
					Debug("Read frame")
				return frame, overflow, nil
			}
		case errors.Is(err, errVarIntIncomplete):
			// need more bytes
		default:
			return nil, nil, err
		}

		if readErr != nil {
			if readErr == io.EOF && len(buf) > 0 {
				return nil, nil, io.ErrUnexpectedEOF
			}
			return nil, nil, readErr
		}

		if len(buf) == cap(buf) {
			if cap(buf) >= MaxFrameBufferSize {
				return nil, nil, protocolErrorf("frame exceeds %d buffered bytes", MaxFrameBufferSize)
			}
			newCap := cap(buf) * 2
			if newCap > MaxFrameBufferSize {
				newCap = MaxFrameBufferSize
			}
			grown := make([]byte, len(buf), newCap)
			copy(grown, buf)
			buf = grown
		}

		var n int
		n, readErr = reader.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		logrus.
			WithField("client", addr).
			WithField("read", n).
			WithField("buffered", len(buf)).
			Trace("Reading frame content")
	}
}

// DecodeVarInt decodes a VarInt from the start of data, returning the value and
// the number of bytes it occupied.
func DecodeVarInt(data []byte) (int, int, error) {
	var result uint32
	for i := 0; i < MaxVarIntLength; i++ {
		if i >= len(data) {
			return 0, 0, errVarIntIncomplete
		}
		b := data[i]
		value := uint32(b & 0x7F)
		if i == MaxVarIntLength-1 && value > 0x0F {
			return 0, 0, protocolErrorf("VarInt is too big")
		}
		result |= value << (7 * i)
		if b&0x80 == 0 {
			return int(int32(result)), i + 1, nil
		}
	}

	return 0, 0, protocolErrorf("VarInt is too big")
}

func ReadVarInt(reader io.Reader) (int, error) {
	b := make([]byte, 1)
	var result uint32
	for numRead := 0; numRead < MaxVarIntLength; numRead++ {
		if _, err := io.ReadFull(reader, b); err != nil {
			if numRead > 0 && err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		value := uint32(b[0] & 0x7F)
		if numRead == MaxVarIntLength-1 && value > 0x0F {
			return 0, protocolErrorf("VarInt is too big")
		}
		result |= value << (7 * numRead)

		if b[0]&0x80 == 0 {
			return int(int32(result)), nil
		}
	}

	return 0, protocolErrorf("VarInt is too big")
}

// ReadString reads a VarInt length prefixed UTF-8 string. A declared length
// beyond maxLength is rejected before any of the string is read.
func ReadString(reader io.Reader, maxLength int) (string, error) {
	length, err := ReadVarInt(reader)
	if err != nil {
		return "", err
	}
	if length < 0 || length > maxLength {
		return "", protocolErrorf("string length %d exceeds maximum of %d", length, maxLength)
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}

	return string(b), nil
}

func ReadUnsignedShort(reader io.Reader) (uint16, error) {
	var value uint16
	err := binary.Read(reader, binary.BigEndian, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// asTruncated converts running out of bytes while decoding a frame's payload into a ProtocolError,
// since the frame itself declared those bytes would be there.
func asTruncated(err error, field string) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return wrapProtocolError(io.ErrUnexpectedEOF, "truncated "+field)
	}
	return errors.Wrapf(err, "failed to read %s", field)
}
