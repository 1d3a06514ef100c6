// Package codec converts binary stream payloads to and from the text-safe
// form used on the message channel.
//
// The channel carries JSON, so raw bytes from descriptor reads and writes
// are framed as standard base64. Encoding is total; decoding fails on
// malformed input and callers are expected to report the failure instead of
// tearing the bridge down.
package codec

import (
	"encoding/base64"
	"fmt"
)

// ErrMalformed is wrapped by every Decode failure, so callers can match the
// whole class with errors.Is.
var ErrMalformed = fmt.Errorf("codec: malformed base64 payload")

// Encode returns the text-safe form of p. Encode never fails; the empty
// slice encodes to the empty string.
func Encode(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// Decode reverses Encode. Invalid alphabet characters or bad padding yield
// an error wrapping ErrMalformed; the returned slice is nil in that case.
func Decode(s string) ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
