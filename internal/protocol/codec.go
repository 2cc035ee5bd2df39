package protocol

import (
	"encoding/binary"
)

// Codec encodes and decodes frames for one negotiated MTU. The zero value
// accepts frames up to MaxMTU.
type Codec struct {
	MTU int
}

// NewCodec returns a Codec for mtu, which must be within [MinMTU, MaxMTU].
func NewCodec(mtu int) (Codec, error) {
	if !ValidMTU(mtu) {
		return Codec{}, Errorf(KindMTUSize, "mtu %d outside [%d, %d]", mtu, MinMTU, MaxMTU)
	}
	return Codec{MTU: mtu}, nil
}

func (c Codec) limit() int {
	if c.MTU <= 0 {
		return MaxMTU
	}
	return c.MTU
}

// Encode serializes h and payload into one frame. CurrentLength is taken from
// len(payload); every other header field is written as given.
func (c Codec) Encode(h Header, payload []byte) ([]byte, error) {
	if !h.Type.Valid() {
		return nil, Errorf(KindInvalidMagic, "unknown frame type %s", h.Type)
	}
	size := Overhead + len(payload)
	if size > c.limit() {
		return nil, Errorf(KindMTUSize, "frame of %d bytes exceeds mtu %d", size, c.limit())
	}

	buf := make([]byte, size)
	buf[0] = Magic
	buf[1] = byte(h.Type)
	buf[2] = byte(h.Flags)
	buf[3] = h.MessageID
	binary.LittleEndian.PutUint16(buf[4:6], h.FragmentIndex)
	binary.LittleEndian.PutUint16(buf[6:8], h.TotalLength)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	buf[10] = h.SenderID
	buf[11] = h.ReceiverID
	copy(buf[HeaderSize:], payload)
	binary.LittleEndian.PutUint16(buf[HeaderSize+len(payload):], CRC16(payload))
	return buf, nil
}

// EncodeFrame is Encode for a Frame value.
func (c Codec) EncodeFrame(f Frame) ([]byte, error) {
	return c.Encode(f.Header, f.Payload)
}

// Decode parses and validates one frame. On a CRC failure the decoded header
// is still returned so the caller can address a NACK; the payload is not.
// The returned payload is a copy and never aliases data.
func (c Codec) Decode(data []byte) (Header, []byte, error) {
	if len(data) == 0 {
		return Header{}, nil, Errorf(KindMTUSize, "empty frame")
	}
	if data[0] != Magic {
		return Header{}, nil, Errorf(KindInvalidMagic, "magic 0x%02x", data[0])
	}
	if len(data) < Overhead {
		return Header{}, nil, Errorf(KindMTUSize, "frame too short: %d bytes (need at least %d)", len(data), Overhead)
	}
	if len(data) > c.limit() {
		return Header{}, nil, Errorf(KindMTUSize, "frame of %d bytes exceeds mtu %d", len(data), c.limit())
	}

	h := Header{
		Type:          Type(data[1]),
		Flags:         Flags(data[2]),
		MessageID:     data[3],
		FragmentIndex: binary.LittleEndian.Uint16(data[4:6]),
		TotalLength:   binary.LittleEndian.Uint16(data[6:8]),
		CurrentLength: binary.LittleEndian.Uint16(data[8:10]),
		SenderID:      data[10],
		ReceiverID:    data[11],
	}
	if !h.Type.Valid() {
		return Header{}, nil, Errorf(KindInvalidMagic, "unknown frame type %s", h.Type)
	}
	if len(data) != Overhead+int(h.CurrentLength) {
		return Header{}, nil, Errorf(KindMTUSize, "frame is %d bytes but header declares %d payload bytes", len(data), h.CurrentLength)
	}

	end := HeaderSize + int(h.CurrentLength)
	want := binary.LittleEndian.Uint16(data[end:])
	if got := CRC16(data[HeaderSize:end]); got != want {
		return h, nil, Errorf(KindCRC, "%s: crc 0x%04x, footer 0x%04x", h, got, want)
	}

	payload := make([]byte, h.CurrentLength)
	copy(payload, data[HeaderSize:end])
	return h, payload, nil
}
