// Package keymaterial gives deadrop's drop keys and base nonces an
// owning type that pins its backing memory and wipes it on
// destruction, regardless of exit path. Modeled on vapordrop's use of
// github.com/awnumar/memguard to hold its Tor onion passphrase off the
// swap path, generalized here to every K and N₀ deadrop ever touches.
package keymaterial

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"

	"deadrop/internal/aead"
)

// Key owns a 32-byte drop key in memguard-locked memory. The zero
// value is not usable; construct with GenerateKey, KeyFromPassword, or
// KeyFromBytes.
type Key struct {
	buf *memguard.LockedBuffer
}

// GenerateKey produces a fresh random 256-bit key.
func GenerateKey() (*Key, error) {
	buf := memguard.NewBuffer(aead.KeyLen)
	if _, err := rand.Read(buf.Bytes()); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("keymaterial: generate key: %w", err)
	}
	return &Key{buf: buf}, nil
}

// KeyFromPassword derives a key via Argon2id per internal/aead's fixed
// parameters, then immediately moves it into locked memory and wipes
// the transient derivation output.
func KeyFromPassword(password []byte, salt *[aead.SaltLen]byte) *Key {
	derived := aead.DeriveKey(password, salt)
	buf := memguard.NewBufferFromBytes(derived[:])
	for i := range derived {
		derived[i] = 0
	}
	return &Key{buf: buf}
}

// KeyFromBytes copies an externally-supplied 32-byte key (e.g. decoded
// from a URL fragment) into locked memory.
func KeyFromBytes(raw []byte) (*Key, error) {
	if len(raw) != aead.KeyLen {
		return nil, fmt.Errorf("keymaterial: key must be %d bytes, got %d", aead.KeyLen, len(raw))
	}
	buf := memguard.NewBufferFromBytes(raw)
	return &Key{buf: buf}, nil
}

// Bytes returns a copy of the raw key for a single AEAD call. The copy
// lives in ordinary (not locked) memory and is not wiped by Destroy.
func (k *Key) Bytes() *[aead.KeyLen]byte {
	var out [aead.KeyLen]byte
	copy(out[:], k.buf.Bytes())
	return &out
}

// Destroy wipes and unlocks the key's memory. Safe to call more than
// once.
func (k *Key) Destroy() {
	k.buf.Destroy()
}

// BaseNonce owns a 24-byte per-drop base nonce N₀ in locked memory.
type BaseNonce struct {
	buf *memguard.LockedBuffer
}

// GenerateBaseNonce produces a fresh random 24-byte base nonce.
func GenerateBaseNonce() (*BaseNonce, error) {
	buf := memguard.NewBuffer(aead.NonceLen)
	if _, err := rand.Read(buf.Bytes()); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("keymaterial: generate nonce: %w", err)
	}
	return &BaseNonce{buf: buf}, nil
}

// BaseNonceFromBytes wraps an externally-supplied 24-byte base nonce,
// e.g. the first 24 bytes read off a blob.
func BaseNonceFromBytes(raw []byte) (*BaseNonce, error) {
	if len(raw) != aead.NonceLen {
		return nil, fmt.Errorf("keymaterial: nonce must be %d bytes, got %d", aead.NonceLen, len(raw))
	}
	buf := memguard.NewBufferFromBytes(raw)
	return &BaseNonce{buf: buf}, nil
}

// Derive computes N_i = N₀ with its low 8 bytes XORed with the
// little-endian encoding of i, per deadrop's wire format. N_i is
// never stored — only ever computed on demand here.
func (n *BaseNonce) Derive(i uint64) *[aead.NonceLen]byte {
	var out [aead.NonceLen]byte
	copy(out[:], n.buf.Bytes())
	var idx [8]byte
	idx[0] = byte(i)
	idx[1] = byte(i >> 8)
	idx[2] = byte(i >> 16)
	idx[3] = byte(i >> 24)
	idx[4] = byte(i >> 32)
	idx[5] = byte(i >> 40)
	idx[6] = byte(i >> 48)
	idx[7] = byte(i >> 56)
	for j := 0; j < 8; j++ {
		out[j] ^= idx[j]
	}
	return &out
}

// Bytes exposes the raw base nonce, e.g. for writing into the blob
// header.
func (n *BaseNonce) Bytes() *[aead.NonceLen]byte {
	var out [aead.NonceLen]byte
	copy(out[:], n.buf.Bytes())
	return &out
}

// Destroy wipes and unlocks the nonce's memory. Safe to call more than
// once.
func (n *BaseNonce) Destroy() {
	n.buf.Destroy()
}
