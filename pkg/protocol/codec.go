package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxPayload bounds encoded envelopes when the transport does not
// advertise its own limit.
const DefaultMaxPayload = 256 * 1024

// ErrPayloadTooLarge is returned by Encode when the envelope does not fit the
// transport's payload limit.
var ErrPayloadTooLarge = errors.New("envelope exceeds maximum payload size")

// DecodeError reports a malformed inbound payload. Callers drop the message,
// log the error and continue.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Codec converts envelopes to and from transport payloads.
// MaxPayload of 0 disables the size check.
type Codec struct {
	MaxPayload int
}

// NewCodec returns a codec bounded by maxPayload bytes.
func NewCodec(maxPayload int) Codec {
	return Codec{MaxPayload: maxPayload}
}

func (c Codec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if c.MaxPayload > 0 && len(data) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(data), c.MaxPayload)
	}
	return data, nil
}

func (c Codec) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, &DecodeError{Err: errors.New("empty payload")}
	}
	if c.MaxPayload > 0 && len(data) > c.MaxPayload {
		return Envelope{}, &DecodeError{Size: len(data), Err: ErrPayloadTooLarge}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Size: len(data), Err: err}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, &DecodeError{Size: len(data), Err: err}
	}
	return env, nil
}
