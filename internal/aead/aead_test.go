package aead

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randKey(t *testing.T) *[KeyLen]byte {
	t.Helper()
	var k [KeyLen]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatal(err)
	}
	return &k
}

func randNonce(t *testing.T) *[NonceLen]byte {
	t.Helper()
	var n [NonceLen]byte
	if _, err := rand.Read(n[:]); err != nil {
		t.Fatal(err)
	}
	return &n
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randKey(t)
	nonce := randNonce(t)
	plaintexts := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 65536),
	}
	for _, pt := range plaintexts {
		ct, err := Seal(key, nonce, pt)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(ct) != len(pt)+TagSize {
			t.Fatalf("ciphertext length = %d, want %d", len(ct), len(pt)+TagSize)
		}
		got, err := Open(key, nonce, ct)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %x want %x", got, pt)
		}
	}
}

func TestOpenTamperedFails(t *testing.T) {
	key := randKey(t)
	nonce := randNonce(t)
	ct, err := Seal(key, nonce, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	ct[0] ^= 0xFF
	if _, err := Open(key, nonce, ct); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	nonce := randNonce(t)
	ct, err := Seal(randKey(t), nonce, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(randKey(t), nonce, ct); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	var salt [SaltLen]byte
	copy(salt[:], []byte("0123456789abcdef"))
	k1 := DeriveKey([]byte("correct horse"), &salt)
	k2 := DeriveKey([]byte("correct horse"), &salt)
	if k1 != k2 {
		t.Fatal("DeriveKey is not deterministic")
	}
	k3 := DeriveKey([]byte("wrong horse"), &salt)
	if k1 == k3 {
		t.Fatal("different passwords derived the same key")
	}
}

func TestDeriveKeyNonUTF8Password(t *testing.T) {
	var salt [SaltLen]byte
	copy(salt[:], []byte("0123456789abcdef"))
	pw := []byte{0xff, 0xfe, 0x00, 0x01, 0x80}
	k1 := DeriveKey(pw, &salt)
	k2 := DeriveKey(pw, &salt)
	if k1 != k2 {
		t.Fatal("DeriveKey is not deterministic for non-UTF-8 input")
	}
}
