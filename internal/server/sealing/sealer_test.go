package sealing

import (
	"bytes"
	"testing"
)

func newSealer(t *testing.T) *AESGCMSealer {
	t.Helper()
	s, err := NewAESGCMSealer([]byte("service-passphrase"), []byte("fixed-salt"))
	if err != nil {
		t.Fatalf("NewAESGCMSealer error: %v", err)
	}
	return s
}

func TestDeriveKey_Deterministic(t *testing.T) {
	key1 := DeriveKey([]byte("passphrase"), []byte("salt"))
	key2 := DeriveKey([]byte("passphrase"), []byte("salt"))

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}
	if len(key1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key1))
	}

	key3 := DeriveKey([]byte("passphrase"), []byte("other-salt"))
	if bytes.Equal(key1, key3) {
		t.Errorf("expected different keys for different salts")
	}
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	s := newSealer(t)

	secret := []byte("sEd7rBGm5kxzauRTAV2hbsNz7N45X91")
	sealed, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("Seal error: %v", err)
	}
	if bytes.Contains(sealed, secret) {
		t.Fatalf("sealed blob contains plaintext")
	}

	got, err := s.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal error: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("round trip mismatch: %q != %q", got, secret)
	}
}

func TestSeal_NonceIsFresh(t *testing.T) {
	s := newSealer(t)

	a, err := s.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal error: %v", err)
	}
	b, err := s.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct ciphertexts for repeated seals")
	}
}

func TestUnseal_WrongKey(t *testing.T) {
	s := newSealer(t)

	sealed, err := s.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal error: %v", err)
	}

	other, err := NewAESGCMSealer([]byte("different-passphrase"), []byte("fixed-salt"))
	if err != nil {
		t.Fatalf("NewAESGCMSealer error: %v", err)
	}
	if _, err := other.Unseal(sealed); err == nil {
		t.Fatalf("expected unseal failure with wrong key")
	}
}

func TestUnseal_TruncatedBlob(t *testing.T) {
	s := newSealer(t)
	if _, err := s.Unseal([]byte("short")); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}

func TestNewAESGCMSealer_EmptyPassphrase(t *testing.T) {
	if _, err := NewAESGCMSealer(nil, []byte("salt")); err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
}
