package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the engine can report.
type Kind uint8

const (
	KindNone Kind = iota
	KindMTUSize
	KindInvalidMagic
	KindCRC
	KindSequence
	KindBufferFull
	KindTimeout
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "OK"
	case KindMTUSize:
		return "MTU_SIZE"
	case KindInvalidMagic:
		return "INVALID_MAGIC"
	case KindCRC:
		return "CRC"
	case KindSequence:
		return "SEQUENCE"
	case KindBufferFull:
		return "BUFFER_FULL"
	case KindTimeout:
		return "TIMEOUT"
	case KindEncryption:
		return "ENCRYPTION"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is a classified protocol failure. Context describes the frame or
// message involved; Err optionally carries an underlying cause.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	msg := "protocol: " + e.Kind.String()
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare sentinel of the same kind, so errors.Is(err, ErrCRC)
// works for any CRC failure regardless of context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Context == "" && t.Err == nil
}

var (
	ErrMTUSize      = &Error{Kind: KindMTUSize}
	ErrInvalidMagic = &Error{Kind: KindInvalidMagic}
	ErrCRC          = &Error{Kind: KindCRC}
	ErrSequence     = &Error{Kind: KindSequence}
	ErrBufferFull   = &Error{Kind: KindBufferFull}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrEncryption   = &Error{Kind: KindEncryption}
)

// Errorf builds a classified error with a formatted context.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error, context string) error {
	return &Error{Kind: kind, Context: context, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNone
}
