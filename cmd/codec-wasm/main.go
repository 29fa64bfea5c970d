// Command codec-wasm builds the WebAssembly module a browser loads to
// encrypt and decrypt deadrop blobs without ever sending a key to the
// server. It wraps internal/aead behind syscall/js exports and
// reimplements internal/codec's header layout, framing and per-chunk
// nonce derivation (it does not import internal/codec), so the browser
// reads and writes the same wire format the Go server uses — grounded on
// original_source/wasm/src/lib.rs's decrypt_chunk/parse_header/
// decrypt_blob/encrypt_blob/encrypt_chunk functions, translated from
// wasm-bindgen's Rust idiom to Go's syscall/js idiom rather than
// ported line for line.
//
//go:build js && wasm

package main

import (
	"crypto/rand"
	"encoding/base64"
	"syscall/js"

	"deadrop/internal/aead"
)

func randRead(b []byte) (int, error) { return rand.Read(b) }

func main() {
	js.Global().Set("deadropDecryptChunk", js.FuncOf(decryptChunk))
	js.Global().Set("deadropEncryptChunk", js.FuncOf(encryptChunk))
	js.Global().Set("deadropParseHeader", js.FuncOf(parseHeader))
	js.Global().Set("deadropDecryptBlob", js.FuncOf(decryptBlob))
	js.Global().Set("deadropEncryptBlob", js.FuncOf(encryptBlob))
	js.Global().Set("deadropDeriveKey", js.FuncOf(deriveKey))
	select {} // keep the wasm instance alive for the JS event loop
}

// deriveKey(password string, saltBase64 string) -> string(base64url key)|{error}
// Runs the exact same Argon2id parameters as internal/aead.DeriveKey so
// password-mode drops decrypt identically in the browser and on the
// server: a drop's URL fragment carries only the salt, never the key.
func deriveKey(this js.Value, args []js.Value) any {
	if len(args) != 2 {
		return jsErr("deriveKey: expected 2 arguments")
	}
	saltRaw, err := base64.RawURLEncoding.DecodeString(args[1].String())
	if err != nil || len(saltRaw) != aead.SaltLen {
		return jsErr("invalid salt")
	}
	var salt [aead.SaltLen]byte
	copy(salt[:], saltRaw)

	key := aead.DeriveKey([]byte(args[0].String()), &salt)
	defer zero(key[:])
	return base64.RawURLEncoding.EncodeToString(key[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// jsErr returns a JS object shaped like {error: msg}, the convention
// every export below uses on failure instead of throwing.
func jsErr(msg string) js.Value {
	o := js.Global().Get("Object").New()
	o.Set("error", msg)
	return o
}

func bytesArg(v js.Value) []byte {
	buf := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(buf, v)
	return buf
}

func toUint8Array(b []byte) js.Value {
	arr := js.Global().Get("Uint8Array").New(len(b))
	js.CopyBytesToJS(arr, b)
	return arr
}

func decodeKey(b64 string) (*[aead.KeyLen]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != aead.KeyLen {
		return nil, errWrongKeyLen
	}
	var key [aead.KeyLen]byte
	copy(key[:], raw)
	return &key, nil
}

var errWrongKeyLen = &keyLenError{}

type keyLenError struct{}

func (*keyLenError) Error() string { return "invalid key length: expected 32 bytes" }

// deriveChunkNonce XORs the first 8 bytes of base with the little-
// endian chunk index, exactly mirroring internal/codec's wire format.
func deriveChunkNonce(base [aead.NonceLen]byte, index uint64) [aead.NonceLen]byte {
	nonce := base
	for i := 0; i < 8; i++ {
		nonce[i] ^= byte(index >> (8 * i))
	}
	return nonce
}

// decryptChunk(encryptedChunk Uint8Array, keyBase64 string, nonceBytes Uint8Array, chunkIndex number) -> Uint8Array|{error}
func decryptChunk(this js.Value, args []js.Value) any {
	if len(args) != 4 {
		return jsErr("decryptChunk: expected 4 arguments")
	}
	key, err := decodeKey(args[1].String())
	if err != nil {
		return jsErr(err.Error())
	}
	nonceBytes := bytesArg(args[2])
	if len(nonceBytes) < aead.NonceLen {
		return jsErr("invalid nonce length")
	}
	var base [aead.NonceLen]byte
	copy(base[:], nonceBytes[:aead.NonceLen])
	nonce := deriveChunkNonce(base, uint64(args[3].Int()))

	plaintext, err := aead.Open(key, &nonce, bytesArg(args[0]))
	if err != nil {
		return jsErr("decryption failed: wrong key or corrupted data")
	}
	return toUint8Array(plaintext)
}

// encryptChunk(plaintext Uint8Array, keyBase64 string, nonceBytes Uint8Array, chunkIndex number) -> Uint8Array|{error}
func encryptChunk(this js.Value, args []js.Value) any {
	if len(args) != 4 {
		return jsErr("encryptChunk: expected 4 arguments")
	}
	key, err := decodeKey(args[1].String())
	if err != nil {
		return jsErr(err.Error())
	}
	nonceBytes := bytesArg(args[2])
	if len(nonceBytes) < aead.NonceLen {
		return jsErr("invalid nonce length")
	}
	var base [aead.NonceLen]byte
	copy(base[:], nonceBytes[:aead.NonceLen])
	nonce := deriveChunkNonce(base, uint64(args[3].Int()))

	ciphertext, err := aead.Seal(key, &nonce, bytesArg(args[0]))
	if err != nil {
		return jsErr("encryption failed")
	}
	return toUint8Array(ciphertext)
}

// parseHeader(data Uint8Array) -> Uint8Array|{error} — returns the raw
// 40-byte header so the worker can read base nonce/total_chunks/
// original_size without pulling in internal/codec's Header struct.
func parseHeader(this js.Value, args []js.Value) any {
	if len(args) != 1 {
		return jsErr("parseHeader: expected 1 argument")
	}
	data := bytesArg(args[0])
	const headerSize = aead.NonceLen + 8 + 8
	if len(data) < headerSize {
		return jsErr("data too short to contain header")
	}
	return toUint8Array(data[:headerSize])
}

// decryptBlob(encryptedData Uint8Array, keyBase64 string) -> Uint8Array|{error}
// Whole-blob fallback for small drops where streaming chunk-by-chunk
// through the worker isn't worth the round trips.
func decryptBlob(this js.Value, args []js.Value) any {
	if len(args) != 2 {
		return jsErr("decryptBlob: expected 2 arguments")
	}
	key, err := decodeKey(args[1].String())
	if err != nil {
		return jsErr(err.Error())
	}
	data := bytesArg(args[0])
	const headerSize = aead.NonceLen + 8 + 8
	if len(data) < headerSize {
		return jsErr("data too short")
	}

	var base [aead.NonceLen]byte
	copy(base[:], data[:aead.NonceLen])
	totalChunks := leUint64(data[aead.NonceLen : aead.NonceLen+8])
	originalSize := leUint64(data[aead.NonceLen+8 : headerSize])

	plaintext := make([]byte, 0, originalSize)
	offset := headerSize
	for i := uint64(0); i < totalChunks; i++ {
		if offset+4 > len(data) {
			return jsErr("truncated chunk length")
		}
		chunkLen := int(leUint32(data[offset : offset+4]))
		offset += 4
		if offset+chunkLen > len(data) {
			return jsErr("truncated chunk data")
		}
		nonce := deriveChunkNonce(base, i)
		dec, err := aead.Open(key, &nonce, data[offset:offset+chunkLen])
		if err != nil {
			return jsErr("decryption failed: wrong key or corrupted data")
		}
		plaintext = append(plaintext, dec...)
		offset += chunkLen
	}
	if uint64(len(plaintext)) != originalSize {
		return jsErr("decrypted size does not match header")
	}
	return toUint8Array(plaintext)
}

// encryptBlob(plaintext Uint8Array, keyBase64 string) -> Uint8Array|{error}
// Used by the receive-mode upload worker to build a whole blob
// in-memory before streaming it to the server in one request body.
func encryptBlob(this js.Value, args []js.Value) any {
	if len(args) != 2 {
		return jsErr("encryptBlob: expected 2 arguments")
	}
	key, err := decodeKey(args[1].String())
	if err != nil {
		return jsErr(err.Error())
	}
	plaintext := bytesArg(args[0])

	var base [aead.NonceLen]byte
	if _, err := randRead(base[:]); err != nil {
		return jsErr("rng failed")
	}

	const chunkSize = 64 * 1024
	totalChunks := uint64(len(plaintext)+chunkSize-1) / chunkSize
	if len(plaintext) == 0 {
		totalChunks = 0
	}

	out := make([]byte, 0, len(plaintext)+headerSizeConst+int(totalChunks)*(4+aead.TagSize))
	out = append(out, base[:]...)
	out = appendLEUint64(out, totalChunks)
	out = appendLEUint64(out, uint64(len(plaintext)))

	for i := uint64(0); i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > uint64(len(plaintext)) {
			end = uint64(len(plaintext))
		}
		nonce := deriveChunkNonce(base, i)
		ct, err := aead.Seal(key, &nonce, plaintext[start:end])
		if err != nil {
			return jsErr("encryption failed")
		}
		out = appendLEUint32(out, uint32(len(ct)))
		out = append(out, ct...)
	}
	return toUint8Array(out)
}

const headerSizeConst = aead.NonceLen + 8 + 8

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func appendLEUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func appendLEUint32(b []byte, v uint32) []byte {
	for i := 0; i < 4; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
