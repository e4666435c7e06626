package idcodec

import (
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestEncodeDecodeServerRequestID_RoundTrip(t *testing.T) {
	key := testKey(t)

	cases := []struct {
		name  string
		mode  Mode
		sign  bool
		id    string
		value any
	}{
		{"opaque unsigned number", ModeOpaque, false, "upstream1", float64(42)},
		{"opaque signed number", ModeOpaque, true, "upstream1", float64(42)},
		{"readable unsigned string", ModeReadable, false, "u2", "abc"},
		{"readable signed string", ModeReadable, true, "u2", "abc"},
		{"signed null", ModeOpaque, true, "u3", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := EncodeServerRequestID(tc.id, tc.value, tc.mode, tc.sign, key)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			gotID, gotValue, err := DecodeServerRequestID(encoded, tc.mode, tc.sign, key)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if gotID != tc.id {
				t.Errorf("upstream id = %q, want %q", gotID, tc.id)
			}

			wantValue, _ := canonicalJSON(tc.value)
			if string(gotValue) != string(wantValue) {
				t.Errorf("value = %s, want %s", gotValue, wantValue)
			}
		})
	}
}

func TestDecodeServerRequestID_TamperedTagInvalid(t *testing.T) {
	key := testKey(t)

	encoded, err := EncodeServerRequestID("upstream1", float64(42), ModeOpaque, true, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := []byte(encoded)
	// Flip the first character of the base64url HMAC tag (after the last
	// '.'): all six of its bits are tag data, whereas the last character's
	// low bits are padding that decoding ignores.
	i := len(tampered) - 1
	for tampered[i-1] != '.' {
		i--
	}
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}

	_, _, err = DecodeServerRequestID(string(tampered), ModeOpaque, true, key)
	if err != ErrInvalid {
		t.Errorf("expected ErrInvalid for tampered tag, got %v", err)
	}
}

func TestDecodeServerRequestID_WrongKeyInvalid(t *testing.T) {
	key := testKey(t)
	otherKey := testKey(t)

	encoded, err := EncodeServerRequestID("upstream1", "value", ModeReadable, true, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, _, err = DecodeServerRequestID(encoded, ModeReadable, true, otherKey)
	if err != ErrInvalid {
		t.Errorf("expected ErrInvalid for wrong key, got %v", err)
	}
}

func TestEncodeServerRequestID_RejectsSlashInUpstreamID(t *testing.T) {
	key := testKey(t)
	_, err := EncodeServerRequestID("up/stream", float64(1), ModeOpaque, false, key)
	if err == nil {
		t.Fatal("expected error for upstream id containing '/'")
	}
}

func TestSSEEventID_UpstreamSlashRoundTrip(t *testing.T) {
	encoded := EncodeSSEEventID("u1", "evt-7", EventModeUpstreamSlash)
	if encoded != "u1/evt-7" {
		t.Fatalf("encoded = %q, want u1/evt-7", encoded)
	}

	upstreamID, eventID, ok := DecodeSSEEventID(encoded, EventModeUpstreamSlash)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if upstreamID != "u1" || eventID != "evt-7" {
		t.Errorf("got (%q, %q), want (u1, evt-7)", upstreamID, eventID)
	}
}

func TestSSEEventID_UpstreamEventIDContainsSlash(t *testing.T) {
	encoded := EncodeSSEEventID("u1", "a/b/c", EventModeUpstreamSlash)
	upstreamID, eventID, ok := DecodeSSEEventID(encoded, EventModeUpstreamSlash)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if upstreamID != "u1" || eventID != "a/b/c" {
		t.Errorf("got (%q, %q), want (u1, a/b/c)", upstreamID, eventID)
	}
}

func TestSSEEventID_NoneModePassthrough(t *testing.T) {
	encoded := EncodeSSEEventID("u1", "", EventModeNone)
	if encoded != "" {
		t.Fatalf("expected empty passthrough, got %q", encoded)
	}

	upstreamID, eventID, ok := DecodeSSEEventID("evt-9", EventModeNone)
	if !ok || upstreamID != "" || eventID != "evt-9" {
		t.Errorf("got (%q, %q, %v), want (\"\", evt-9, true)", upstreamID, eventID, ok)
	}
}

func TestDecodeServerRequestID_MalformedInputInvalid(t *testing.T) {
	key := testKey(t)
	cases := []string{
		"",
		"not-a-proxy-id",
		"unrelated.proxy.",
		"unrelated.proxy.!!!.###",
	}
	for _, s := range cases {
		if _, _, err := DecodeServerRequestID(s, ModeOpaque, true, key); err != ErrInvalid {
			t.Errorf("input %q: expected ErrInvalid, got %v", s, err)
		}
	}
}
