package session

import (
	"testing"
	"time"
)

func encodedSession(t *testing.T) (*Session, []byte) {
	t.Helper()
	now := time.Now()
	sess := &Session{
		SessionID: "sid-1",
		UserID:    "u-1",
		Email:     "admin@example.com",
		Role:      "admin",
		FirstName: "Ada",
		LastName:  "Lovelace",
		CSRFToken: "csrf-secret",
		LoginAt:   now.Unix(),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(24 * time.Hour).Unix(),
	}
	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return sess, data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sess, data := encodedSession(t)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got.SessionID = sess.SessionID

	if *got != *sess {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, sess)
	}
}

func TestDecodeV1BlobMigratesForward(t *testing.T) {
	// A v1 blob carries no display names and no CSRF secret.
	v1 := []byte{sessionFormatVersionV1}
	for _, field := range []string{"u-1", "admin@example.com", "admin"} {
		v1 = append(v1, byte(len(field)))
		v1 = append(v1, field...)
	}
	for i := 0; i < 3; i++ {
		var ts [8]byte
		ts[7] = byte(i + 1)
		v1 = append(v1, ts[:]...)
	}

	got, err := Decode(v1)
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if got.UserID != "u-1" || got.Email != "admin@example.com" || got.Role != "admin" {
		t.Fatalf("v1 fields mismatch: %+v", got)
	}
	if got.CSRFToken != "" || got.FirstName != "" {
		t.Fatalf("v1 blob should not yield v2 fields: %+v", got)
	}
	if got.LoginAt != 1 || got.CreatedAt != 2 || got.ExpiresAt != 3 {
		t.Fatalf("timestamps mismatch: %+v", got)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, data := encodedSession(t)
	data[0] = 99

	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestEncodeRejectsOversizedField(t *testing.T) {
	sess, _ := encodedSession(t)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	sess.Email = string(long)

	if _, err := Encode(sess); err == nil {
		t.Fatal("expected error for oversized field")
	}
}
