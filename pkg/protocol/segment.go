package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Wire layout (16 bytes + payload):
//
//	Byte  0:     [Version:4][Flags:4]
//	Byte  1:     Type
//	Byte  2-5:   Sequence Number
//	Byte  6-9:   Timestamp (sender milliseconds, wraps)
//	Byte  10-11: Payload Length
//	Byte  12..:  Payload
//	Last 4:      Checksum (CRC32 over all preceding bytes)
const (
	headerSize   = 12
	checksumSize = 4

	// MinSegmentSize is the smallest valid wire segment (empty payload).
	MinSegmentSize = headerSize + checksumSize

	// MaxPayloadSize is the largest payload a single segment can carry.
	MaxPayloadSize = 0xFFFF
)

// Segment is the unit exchanged over the datagram channel.
type Segment struct {
	Version   uint8
	Flags     uint8
	Type      uint8
	Seq       uint32
	Timestamp uint32 // sender clock at transmission; echoed back in ACK/PONG
	Payload   []byte
}

func (s *Segment) HasFlag(f uint8) bool { return s.Flags&f != 0 }
func (s *Segment) SetFlag(f uint8)      { s.Flags |= f }
func (s *Segment) ClearFlag(f uint8)    { s.Flags &^= f }

// NowTimestamp returns the current wall clock in milliseconds, truncated to
// 32 bits. Only ever compared by echo, so wrapping is harmless.
func NowTimestamp() uint32 {
	return uint32(time.Now().UnixMilli())
}

// Marshal serializes the segment to wire format with trailing checksum.
func (s *Segment) Marshal() ([]byte, error) {
	payloadLen := len(s.Payload)
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", payloadLen, MaxPayloadSize)
	}

	buf := make([]byte, headerSize+payloadLen+checksumSize)

	buf[0] = (s.Version << 4) | (s.Flags & FlagMask)
	buf[1] = s.Type
	binary.BigEndian.PutUint32(buf[2:6], s.Seq)
	binary.BigEndian.PutUint32(buf[6:10], s.Timestamp)
	binary.BigEndian.PutUint16(buf[10:12], uint16(payloadLen))

	if payloadLen > 0 {
		copy(buf[headerSize:], s.Payload)
	}

	sum := Checksum(buf[:headerSize+payloadLen])
	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], sum)

	return buf, nil
}

// Unmarshal deserializes a segment from wire bytes. It never panics on
// malformed input: any buffer that is short, truncated, version-mismatched,
// of unknown type, or checksum-corrupt yields an error and no Segment.
func Unmarshal(data []byte) (*Segment, error) {
	if len(data) < MinSegmentSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d)", ErrBadSegment, len(data), MinSegmentSize)
	}

	payloadLen := int(binary.BigEndian.Uint16(data[10:12]))
	total := headerSize + payloadLen + checksumSize
	if len(data) != total {
		return nil, fmt.Errorf("%w: declared %d payload bytes, frame is %d", ErrBadSegment, payloadLen, len(data))
	}

	wireSum := binary.BigEndian.Uint32(data[total-checksumSize:])
	if Checksum(data[:total-checksumSize]) != wireSum {
		return nil, ErrChecksumMismatch
	}

	version := (data[0] >> 4) & 0x0F
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	typ := data[1]
	switch typ {
	case TypeData, TypeAck, TypePing, TypePong:
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrBadSegment, typ)
	}

	s := &Segment{
		Version:   version,
		Flags:     data[0] & FlagMask,
		Type:      typ,
		Seq:       binary.BigEndian.Uint32(data[2:6]),
		Timestamp: binary.BigEndian.Uint32(data[6:10]),
	}

	if payloadLen > 0 {
		s.Payload = make([]byte, payloadLen)
		copy(s.Payload, data[headerSize:headerSize+payloadLen])
	}

	return s, nil
}

func HeaderSize() int { return headerSize }
