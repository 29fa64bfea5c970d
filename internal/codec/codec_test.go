package codec

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"deadrop/internal/keymaterial"
)

func newKeyAndNonce(t *testing.T) (*keymaterial.Key, *keymaterial.BaseNonce) {
	t.Helper()
	key, err := keymaterial.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	nonce, err := keymaterial.GenerateBaseNonce()
	if err != nil {
		t.Fatal(err)
	}
	return key, nonce
}

func TestRoundTripSizes(t *testing.T) {
	sizes := []int{0, 1, 64*1024 - 1, 64 * 1024, 64*1024 + 1, 200 * 1024}
	for _, size := range sizes {
		key, nonce := newKeyAndNonce(t)
		pt := make([]byte, size)
		if _, err := rand.Read(pt); err != nil {
			t.Fatal(err)
		}
		blob, err := EncodeAll(key, nonce, pt)
		if err != nil {
			t.Fatalf("size %d: encode: %v", size, err)
		}
		got, err := DecodeAll(bytes.NewReader(blob), key)
		if err != nil {
			t.Fatalf("size %d: decode: %v", size, err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestEmptyFileHasNoChunks(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	blob, err := EncodeAll(key, nonce, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != HeaderSize {
		t.Fatalf("blob length = %d, want %d", len(blob), HeaderSize)
	}
	dec, err := NewDecoder(bytes.NewReader(blob), key)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Header().TotalChunks != 0 {
		t.Fatalf("total_chunks = %d, want 0", dec.Header().TotalChunks)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("Next() = %v, want io.EOF", err)
	}
}

func TestTwoChunkFraming(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	pt := bytes.Repeat([]byte{'A'}, 65537)
	blob, err := EncodeAll(key, nonce, pt)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewDecoder(bytes.NewReader(blob), key)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Header().TotalChunks != 2 {
		t.Fatalf("total_chunks = %d, want 2", dec.Header().TotalChunks)
	}
	var out []byte
	for {
		chunk, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, chunk...)
	}
	if !bytes.Equal(out, pt) {
		t.Fatal("round trip mismatch")
	}
}

func TestTamperHeaderOrChunkFailsAuth(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	blob, err := EncodeAll(key, nonce, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	for i := range blob {
		if i >= 32 && i < 40 {
			continue // original_size is not authenticated; TestStrictOriginalSizeMismatchIsTruncated covers it
		}
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01
		dec, err := NewDecoder(bytes.NewReader(tampered), key)
		if err != nil {
			// ShortHeader can't happen here since length is unchanged,
			// but a flipped header byte could still just change field
			// values without shortening anything.
			continue
		}
		_, err = dec.Next()
		if err == nil {
			t.Fatalf("byte %d: tampered blob decoded without error", i)
		}
		var chunkErr *ChunkError
		if ce, ok := err.(*ChunkError); ok {
			chunkErr = ce
		}
		if chunkErr == nil {
			t.Fatalf("byte %d: unexpected error type %v", i, err)
		}
		if chunkErr.Err != ErrAuthFailed && chunkErr.Err != ErrInvalidChunkLen && chunkErr.Err != ErrTruncated {
			t.Fatalf("byte %d: unexpected chunk error %v", i, chunkErr.Err)
		}
	}
}

func TestTruncationFailsAtMonotonicChunkIndex(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	pt := bytes.Repeat([]byte{'B'}, 65537) // two chunks
	blob, err := EncodeAll(key, nonce, pt)
	if err != nil {
		t.Fatal(err)
	}
	var lastIndex uint64
	for cut := HeaderSize; cut < len(blob); cut += 997 {
		dec, err := NewDecoder(bytes.NewReader(blob[:cut]), key)
		if err != nil {
			continue
		}
		for {
			_, err := dec.Next()
			if err == nil {
				continue
			}
			if err == io.EOF {
				break
			}
			ce, ok := err.(*ChunkError)
			if !ok {
				t.Fatalf("unexpected error type %v", err)
			}
			if ce.Index < lastIndex {
				t.Fatalf("chunk index went backwards: %d < %d", ce.Index, lastIndex)
			}
			lastIndex = ce.Index
			break
		}
	}
}

func TestNonceUniquenessAcrossChunks(t *testing.T) {
	_, nonce := newKeyAndNonce(t)
	seen := make(map[string]bool)
	for i := uint64(0); i < 1<<16; i++ {
		n := nonce.Derive(i)
		key := string(n[:])
		if seen[key] {
			t.Fatalf("nonce collision at i=%d", i)
		}
		seen[key] = true
	}
}

func TestStrictOriginalSizeMismatchIsTruncated(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	blob, err := EncodeAll(key, nonce, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt original_size upward so it no longer matches the sum of
	// decrypted chunk lengths.
	blob[32] = 0xFF
	dec, err := NewDecoder(bytes.NewReader(blob), key)
	if err != nil {
		t.Fatal(err)
	}
	for {
		_, err := dec.Next()
		if err == nil {
			continue
		}
		ce, ok := err.(*ChunkError)
		if !ok || ce.Err != ErrTruncated {
			t.Fatalf("expected ErrTruncated, got %v", err)
		}
		return
	}
}

func TestInvalidChunkLenZeroRejected(t *testing.T) {
	key, nonce := newKeyAndNonce(t)
	blob, err := EncodeAll(key, nonce, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// Zero out the first chunk's length prefix.
	blob[HeaderSize+0] = 0
	blob[HeaderSize+1] = 0
	blob[HeaderSize+2] = 0
	blob[HeaderSize+3] = 0
	dec, err := NewDecoder(bytes.NewReader(blob), key)
	if err != nil {
		t.Fatal(err)
	}
	_, err = dec.Next()
	ce, ok := err.(*ChunkError)
	if !ok || ce.Err != ErrInvalidChunkLen {
		t.Fatalf("expected ErrInvalidChunkLen, got %v", err)
	}
}
