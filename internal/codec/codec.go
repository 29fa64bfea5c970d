// Package codec implements deadrop's chunked authenticated-encryption
// wire format: a 40-byte header followed by length-prefixed AEAD
// frames. The sending CLI and the server's upload-decode path use this
// package; cmd/codec-wasm reimplements the same header, framing and
// nonce derivation for the browser decrypt/encrypt workers without
// importing it, so the format must stay byte-for-byte identical across
// all three.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"deadrop/internal/aead"
	"deadrop/internal/keymaterial"
)

// HeaderSize is the fixed size of the blob header in bytes:
// base_nonce(24) + total_chunks(8) + original_size(8).
const HeaderSize = 24 + 8 + 8

// ChunkSize is the plaintext window size encoders SHOULD use per
// chunk. Decoders place no ceiling on a well-formed chunk other than
// MaxChunkCiphertextLen.
const ChunkSize = 64 * 1024

// MaxChunkCiphertextLen bounds a single chunk's ciphertext length as
// read off the wire: 1 MiB of plaintext plus the AEAD tag. A header
// claiming a longer frame is rejected before any read is attempted.
const MaxChunkCiphertextLen = 1<<20 + aead.TagSize

var (
	ErrShortHeader     = errors.New("codec: short header")
	ErrInvalidChunkLen = errors.New("codec: invalid chunk length")
	ErrTruncated       = errors.New("codec: truncated stream")
	ErrAuthFailed      = errors.New("codec: chunk authentication failed")
)

// ChunkError wraps one of the sentinel codec errors above with the
// offending chunk index, per spec.md's "AuthFailed(i)" error shape.
type ChunkError struct {
	Index uint64
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%v at chunk %d", e.Err, e.Index)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Header is the 40-byte preamble of a deadrop blob.
type Header struct {
	BaseNonce    [aead.NonceLen]byte
	TotalChunks  uint64
	OriginalSize uint64
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:24], h.BaseNonce[:])
	binary.LittleEndian.PutUint64(buf[24:32], h.TotalChunks)
	binary.LittleEndian.PutUint64(buf[32:40], h.OriginalSize)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	var h Header
	copy(h.BaseNonce[:], buf[0:24])
	h.TotalChunks = binary.LittleEndian.Uint64(buf[24:32])
	h.OriginalSize = binary.LittleEndian.Uint64(buf[32:40])
	return h, nil
}

// Encoder streams plaintext into the blob format of an io.Writer,
// buffering at most one ChunkSize window at a time.
type Encoder struct {
	w           io.Writer
	key         *keymaterial.Key
	nonce       *keymaterial.BaseNonce
	chunkIndex  uint64
	written     uint64
	headerSpace bool // true once the placeholder header has been written
}

// NewEncoder writes a placeholder header to w and returns an Encoder
// ready to accept plaintext via WriteChunk. Callers that know the
// final chunk count and original size up front (e.g. encrypting a
// whole in-memory buffer) should instead use EncodeAll, which avoids
// the seek-back this streaming form needs for true unknown-length
// sources; NewEncoder is for callers writing to a io.WriteSeeker such
// as a temp file, who will call Finalize once EOF is reached.
func NewEncoder(w io.Writer, key *keymaterial.Key, nonce *keymaterial.BaseNonce) (*Encoder, error) {
	e := &Encoder{w: w, key: key, nonce: nonce}
	if _, err := w.Write(make([]byte, HeaderSize)); err != nil {
		return nil, fmt.Errorf("codec: write placeholder header: %w", err)
	}
	e.headerSpace = true
	return e, nil
}

// WriteChunk seals one plaintext window and writes its length-prefixed
// frame. The caller is responsible for splitting input into
// ChunkSize-sized windows (the final one may be shorter).
func (e *Encoder) WriteChunk(plaintext []byte) error {
	chunkNonce := e.nonce.Derive(e.chunkIndex)
	ciphertext, err := aead.Seal(e.key.Bytes(), chunkNonce, plaintext)
	if err != nil {
		return fmt.Errorf("codec: seal chunk %d: %w", e.chunkIndex, err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("codec: write chunk %d length: %w", e.chunkIndex, err)
	}
	if _, err := e.w.Write(ciphertext); err != nil {
		return fmt.Errorf("codec: write chunk %d: %w", e.chunkIndex, err)
	}
	e.written += uint64(len(plaintext))
	e.chunkIndex++
	return nil
}

// ChunksWritten reports how many chunks have been emitted so far.
func (e *Encoder) ChunksWritten() uint64 { return e.chunkIndex }

// BytesWritten reports how many plaintext bytes have been consumed so
// far.
func (e *Encoder) BytesWritten() uint64 { return e.written }

// Finalize seeks back (via ws) and overwrites the placeholder header
// with the real chunk count and original size. Only valid for an
// io.WriteSeeker.
func Finalize(ws io.WriteSeeker, nonce *keymaterial.BaseNonce, totalChunks, originalSize uint64) error {
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("codec: seek to header: %w", err)
	}
	h := Header{BaseNonce: *nonce.Bytes(), TotalChunks: totalChunks, OriginalSize: originalSize}
	if _, err := ws.Write(h.encode()); err != nil {
		return fmt.Errorf("codec: write final header: %w", err)
	}
	return nil
}

// EncodeAll encrypts an entire plaintext buffer in memory and returns
// the complete blob, for sources small enough to hold twice over. Used
// by the CLI sender's disk-threshold-exempt path and by the decrypt
// worker's sibling encode path for uploads.
func EncodeAll(key *keymaterial.Key, nonce *keymaterial.BaseNonce, plaintext []byte) ([]byte, error) {
	estimate := HeaderSize + len(plaintext) + (len(plaintext)/ChunkSize+1)*(4+aead.TagSize)
	buf := make([]byte, 0, estimate)
	w := &sliceWriter{buf: buf}
	enc, err := NewEncoder(w, key, nonce)
	if err != nil {
		return nil, err
	}
	for offset := 0; offset < len(plaintext); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		if err := enc.WriteChunk(plaintext[offset:end]); err != nil {
			return nil, err
		}
	}
	h := Header{
		BaseNonce:    *nonce.Bytes(),
		TotalChunks:  enc.ChunksWritten(),
		OriginalSize: enc.BytesWritten(),
	}
	copy(w.buf[0:HeaderSize], h.encode())
	return w.buf, nil
}

type sliceWriter struct{ buf []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Decoder streams a blob back into plaintext, reading exactly as much
// as each chunk frame declares and never buffering more than one
// chunk's ciphertext.
type Decoder struct {
	r           io.Reader
	key         *keymaterial.Key
	header      Header
	chunkIndex  uint64
	decodedSize uint64
}

// NewDecoder reads and validates the 40-byte header from r.
func NewDecoder(r io.Reader, key *keymaterial.Key) (*Decoder, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShortHeader
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Decoder{r: r, key: key, header: h}, nil
}

// Header returns the parsed blob header.
func (d *Decoder) Header() Header { return d.header }

// Next reads, authenticates, and returns the next plaintext chunk, or
// io.EOF once all TotalChunks have been consumed. On any framing or
// authentication failure it returns a *ChunkError wrapping one of
// ErrInvalidChunkLen, ErrTruncated, or ErrAuthFailed, and the decoder
// must not be used again.
func (d *Decoder) Next() ([]byte, error) {
	if d.chunkIndex >= d.header.TotalChunks {
		if d.decodedSize != d.header.OriginalSize {
			return nil, &ChunkError{Index: d.chunkIndex, Err: ErrTruncated}
		}
		return nil, io.EOF
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, &ChunkError{Index: d.chunkIndex, Err: ErrTruncated}
	}
	chunkLen := binary.LittleEndian.Uint32(lenBuf[:])
	if chunkLen == 0 || int(chunkLen) > MaxChunkCiphertextLen {
		return nil, &ChunkError{Index: d.chunkIndex, Err: ErrInvalidChunkLen}
	}

	ciphertext := make([]byte, chunkLen)
	if _, err := io.ReadFull(d.r, ciphertext); err != nil {
		return nil, &ChunkError{Index: d.chunkIndex, Err: ErrTruncated}
	}

	chunkNonce := deriveNonceFromHeader(d.header.BaseNonce, d.chunkIndex)
	plaintext, err := aead.Open(d.key.Bytes(), chunkNonce, ciphertext)
	if err != nil {
		return nil, &ChunkError{Index: d.chunkIndex, Err: ErrAuthFailed}
	}

	d.decodedSize += uint64(len(plaintext))
	d.chunkIndex++
	return plaintext, nil
}

// DecodeAll reads a full blob from r and returns the concatenated
// plaintext. Used where buffering the whole result is acceptable (CLI
// receive, small uploads).
func DecodeAll(r io.Reader, key *keymaterial.Key) ([]byte, error) {
	dec, err := NewDecoder(r, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, dec.header.OriginalSize)
	for {
		chunk, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

func deriveNonceFromHeader(base [aead.NonceLen]byte, i uint64) *[aead.NonceLen]byte {
	var out [aead.NonceLen]byte
	copy(out[:], base[:])
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], i)
	for j := 0; j < 8; j++ {
		out[j] ^= idx[j]
	}
	return &out
}
