package protocol

// Fragment splits payload into the frames that carry it at the given MTU.
//
// A payload that fits in one frame yields a single SINGLE frame; otherwise the
// result is START, zero or more MID, then END with increasing fragment
// indexes. flags is copied onto every frame, so FlagAckRequested asks for an
// acknowledgment of each fragment. Payload slices alias the input.
func Fragment(messageID, senderID, receiverID uint8, payload []byte, mtu int, flags Flags) ([]Frame, error) {
	usable := UsablePayload(mtu)
	if usable <= 0 || mtu > MaxMTU {
		return nil, Errorf(KindMTUSize, "mtu %d cannot carry a payload", mtu)
	}
	if len(payload) > MaxMessageSize {
		return nil, Errorf(KindMTUSize, "message of %d bytes exceeds %d", len(payload), MaxMessageSize)
	}

	total := uint16(len(payload))
	base := Header{
		Flags:       flags,
		MessageID:   messageID,
		TotalLength: total,
		SenderID:    senderID,
		ReceiverID:  receiverID,
	}

	if len(payload) <= usable {
		h := base
		h.Type = TypeSingle
		h.CurrentLength = total
		return []Frame{{Header: h, Payload: payload}}, nil
	}

	count := (len(payload) + usable - 1) / usable
	frames := make([]Frame, 0, count)
	for i, off := 0, 0; off < len(payload); i++ {
		n := min(usable, len(payload)-off)

		h := base
		h.FragmentIndex = uint16(i)
		h.CurrentLength = uint16(n)
		switch {
		case i == 0:
			h.Type = TypeStart
		case off+n == len(payload):
			h.Type = TypeEnd
		default:
			h.Type = TypeMid
		}

		frames = append(frames, Frame{Header: h, Payload: payload[off : off+n]})
		off += n
	}
	return frames, nil
}
