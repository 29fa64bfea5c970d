// Package aead provides the primitive authenticated-encryption and
// password key-derivation operations deadrop builds its chunked codec
// and drop lifecycle on top of. Nothing here buffers more than one
// chunk or touches the disk.
package aead

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailed is returned by Open when the ciphertext fails to
// authenticate — wrong key, wrong nonce, or corrupted/truncated data.
var ErrAuthFailed = errors.New("aead: authentication failed")

// Argon2id parameters, fixed so sender and receiver always derive the
// same key from the same password and salt. p=1 (not a higher thread
// count) because the browser-side WASM build runs single-threaded and
// both sides must agree.
const (
	Argon2Time    = 3
	Argon2MemKiB  = 64 * 1024
	Argon2Threads = 1
	KeyLen        = 32
	NonceLen      = chacha20poly1305.NonceSizeX // 24
	SaltLen       = 16
	TagSize       = chacha20poly1305.Overhead // 16
)

// Seal encrypts plaintext with XChaCha20-Poly1305 under key and nonce,
// with no associated data, and returns ciphertext||tag.
func Seal(key *[KeyLen]byte, nonce *[NonceLen]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: cipher init: %w", err)
	}
	dst := make([]byte, 0, len(plaintext)+TagSize)
	return aead.Seal(dst, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts ciphertext (which must include its
// trailing tag) with key and nonce, returning ErrAuthFailed on any
// authentication failure.
func Open(key *[KeyLen]byte, nonce *[NonceLen]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: cipher init: %w", err)
	}
	plaintext, err := aead.Open(ciphertext[:0:0], nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// DeriveKey runs Argon2id over password and salt with deadrop's fixed
// parameters, producing a 32-byte key. Identical on every platform
// deadrop runs on (native server, native sender CLI, browser WASM),
// which is the whole point: sender and receiver must land on the same
// key from the same password.
func DeriveKey(password []byte, salt *[SaltLen]byte) [KeyLen]byte {
	var key [KeyLen]byte
	derived := argon2.IDKey(password, salt[:], Argon2Time, Argon2MemKiB, Argon2Threads, KeyLen)
	copy(key[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return key
}
