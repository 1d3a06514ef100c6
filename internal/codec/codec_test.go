package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTripAllByteValues(t *testing.T) {
	p := make([]byte, 256)
	for i := range p {
		p[i] = byte(i)
	}
	got, err := Decode(Encode(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, p) {
		t.Fatalf("round trip mismatch: got %d bytes", len(got))
	}
}

func TestRoundTripEmpty(t *testing.T) {
	enc := Encode(nil)
	if enc != "" {
		t.Fatalf("empty payload should encode to empty string, got %q", enc)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestRoundTripNonUTF8(t *testing.T) {
	p := []byte{0xff, 0xfe, 0x00, 0x80, 0xc3, 0x28}
	got, err := Decode(Encode(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, p) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, p)
	}
}

func TestDecodeInvalidAlphabet(t *testing.T) {
	_, err := Decode("not*valid*base64!")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeBadPadding(t *testing.T) {
	_, err := Decode("AAA")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
