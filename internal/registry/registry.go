// Package registry is deadrop's single source of truth for whether a
// drop can currently be served, to whom, and what happens when it no
// longer can be. Modeled on vapordrop's in-memory, mutex-guarded maps
// (messageStore, fileTransfers) and their paired garbage collectors,
// generalized to the single-download / IP-pinning / anti-forensic
// lifecycle deadrop's drops need.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"deadrop/internal/keymaterial"
)

// State is one of a DropRecord's lifecycle states. Burned and Expired
// are terminal: a record in either is never served again.
type State int

const (
	Live State = iota
	Burned
	Expired
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Burned:
		return "burned"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound             = errors.New("registry: drop not found")
	ErrBurned               = errors.New("registry: drop already burned")
	ErrForbiddenWrongClient = errors.New("registry: pinned to a different client")
)

// idAlphabet is the URL-safe base64 alphabet (visually similar
// characters such as 0/O and 1/l/I are included); 16 characters from a
// 64-symbol alphabet gives 96 bits of
// entropy, comfortably over spec's 64-bit floor.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
const idLength = 16

// Meta is the caller-supplied, non-sensitive metadata for a new drop.
type Meta struct {
	Filename          string
	Mime              string
	PasswordProtected bool
	MaxDownloads      uint32 // 0 means unlimited
	TTL               time.Duration
	FileSize          uint64
}

// DropRecord is one active drop. Every field mutated after insertion
// is guarded by mu; fields set once at Create and never mutated again
// (ID, Filename, Mime, PasswordProtected, MaxDownloads, FileSize,
// CreatedAt, ExpiresAt) may be read without holding mu.
type DropRecord struct {
	ID                string
	BlobPath          string
	Filename          string
	Mime              string
	PasswordProtected bool
	MaxDownloads      uint32
	FileSize          uint64
	CreatedAt         time.Time
	ExpiresAt         time.Time

	mu                 sync.Mutex
	state              State
	remainingDownloads uint32
	pinnedIP           string
	pinnedIPSet        bool
	key                *keymaterial.Key
	nonce              *keymaterial.BaseNonce
	encryptedSize      int64
	outstandingTickets int  // tickets issued by AuthorizeFetch not yet Commit/ReleaseTicket'd
	finalized          bool // true once finalize has run; guards against a double erase/wipe
}

// State reports the record's current lifecycle state under its own lock.
func (d *DropRecord) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RemainingDownloads reports the current download counter. Meaningful
// only when MaxDownloads > 0.
func (d *DropRecord) RemainingDownloads() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remainingDownloads
}

// EncryptedSize reports the ciphertext blob's size on disk, set at
// Create from the file actually written.
func (d *DropRecord) EncryptedSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encryptedSize
}

// FetchTicket is a capability to stream one drop's blob, returned by
// AuthorizeFetch. It does not itself decrement the download counter —
// that happens in CommitFetch, once the body has actually been sent.
type FetchTicket struct {
	id       string
	blobPath string
	key      *keymaterial.Key
}

// BlobPath is the ciphertext file this ticket authorizes reading.
func (t *FetchTicket) BlobPath() string { return t.blobPath }

// burnedTombstoneTTL bounds how long a destroyed drop's id is still
// remembered as "burned" rather than "never existed", so late visitors
// see the burn page instead of a plain 404. Matches the reference
// store's one-hour retention of its burned map.
const burnedTombstoneTTL = time.Hour

// Registry is the concurrent map of drop id -> *DropRecord, plus the
// background reaper that enforces expiry.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*DropRecord
	burned  map[string]time.Time // id -> destroyedAt, for the burn-page tombstone
	done    chan struct{}

	// OnDestroy, if set, is called after a drop's blob has been erased
	// and its key wiped — whether that happened via download exhaustion,
	// expiry, or an explicit Destroy call. deadrop's CLI uses this to
	// know when its one-drop server can shut down.
	OnDestroy func(id string, terminal State)
}

// New creates an empty registry and starts its background reaper,
// which sweeps expired drops every interval (spec.md recommends a
// short interval; vapordrop's equivalent GC loops run every 15m-30m
// for their longer-lived TTLs, but deadrop's drops are expected to
// live minutes to hours, so a 5s sweep — matching the original Rust
// store.rs's spawn_reaper — keeps expiry close to the deadline without
// meaningfully taxing the process).
func New() *Registry {
	r := &Registry{
		records: make(map[string]*DropRecord),
		burned:  make(map[string]time.Time),
	}
	r.done = make(chan struct{})
	go r.reap(5 * time.Second)
	return r
}

// Close stops the background reaper. Does not destroy outstanding
// records — callers that want a clean shutdown should call Destroy on
// each id themselves (or rely on process exit, which is a valid
// terminal state per spec.md's lifecycle).
func (r *Registry) Close() {
	close(r.done)
}

func (r *Registry) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepExpired()
			r.sweepBurnedTombstones()
		}
	}
}

// finalizable pairs a record that's ready to be finalized with the
// terminal state to finalize it under.
type finalizable struct {
	rec      *DropRecord
	terminal State
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	var ready []finalizable
	r.mu.RLock()
	for _, rec := range r.records {
		rec.mu.Lock()
		if rec.state == Live && now.After(rec.ExpiresAt) {
			rec.state = Expired
		}
		if ok, terminal := finalizeIfReadyLocked(rec); ok {
			ready = append(ready, finalizable{rec, terminal})
		}
		rec.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, f := range ready {
		r.finalize(f.rec, f.terminal)
	}
}

// sweepBurnedTombstones drops burned-id tombstones older than
// burnedTombstoneTTL, so the registry doesn't grow unbounded over a
// long-running process's lifetime.
func (r *Registry) sweepBurnedTombstones() {
	cutoff := time.Now().Add(-burnedTombstoneTTL)
	r.mu.Lock()
	for id, destroyedAt := range r.burned {
		if destroyedAt.Before(cutoff) {
			delete(r.burned, id)
		}
	}
	r.mu.Unlock()
}

// Create generates a fresh id, writes the Live record, and arms its
// expiry. blobPath is the already-written ciphertext file this record
// exclusively owns from now on.
func (r *Registry) Create(meta Meta, blobPath string, encryptedSize int64, key *keymaterial.Key, nonce *keymaterial.BaseNonce) (*DropRecord, error) {
	now := time.Now()
	rec := &DropRecord{
		BlobPath:           blobPath,
		Filename:           meta.Filename,
		Mime:               meta.Mime,
		PasswordProtected:  meta.PasswordProtected,
		MaxDownloads:       meta.MaxDownloads,
		FileSize:           meta.FileSize,
		CreatedAt:          now,
		ExpiresAt:          now.Add(meta.TTL),
		state:              Live,
		remainingDownloads: meta.MaxDownloads,
		key:                key,
		nonce:              nonce,
		encryptedSize:      encryptedSize,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for attempt := 0; attempt < 8; attempt++ {
		id, err := generateID()
		if err != nil {
			return nil, err
		}
		if _, exists := r.records[id]; exists {
			continue // rare collision, retry with a fresh id
		}
		rec.ID = id
		r.records[id] = rec
		return rec, nil
	}
	return nil, errors.New("registry: could not allocate a unique drop id")
}

func generateID() (string, error) {
	buf := make([]byte, idLength)
	alphabetLen := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Peek reports a drop's current lifecycle state without pinning it to
// any client or issuing a fetch ticket — for callers (the landing
// page) that need to distinguish Live/Burned/missing to choose what to
// render, but aren't themselves fetching the blob. A burned id is
// still reported as Burned for burnedTombstoneTTL after destruction,
// via the tombstone finalize leaves behind; past that window, or for
// an id that never existed, it reports ErrNotFound.
func (r *Registry) Peek(id string) (State, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	_, tombstoned := r.burned[id]
	r.mu.RUnlock()

	if ok {
		rec.mu.Lock()
		state := rec.state
		if state == Live && time.Now().After(rec.ExpiresAt) {
			state = Expired // not yet swept by the reaper; report it fresh
		}
		rec.mu.Unlock()
		return state, nil
	}
	if tombstoned {
		return Burned, nil
	}
	return Live, ErrNotFound
}

// AuthorizeFetch implements spec.md §4.3's seven-step decision exactly:
// missing -> NotFound, non-Live -> Burned, expired -> destroy+NotFound,
// IP mismatch -> ForbiddenWrongClient, pin on first fetch, exhausted
// counter -> Burned, otherwise issue a ticket.
func (r *Registry) AuthorizeFetch(id, peerIP string) (*FetchTicket, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		if _, tombstoned := r.burnedTombstone(id); tombstoned {
			return nil, ErrBurned
		}
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != Live {
		return nil, ErrBurned
	}

	if time.Now().After(rec.ExpiresAt) {
		rec.state = Expired
		// finalize takes rec.mu itself; we're still holding it here via
		// the defer above, so run it in a goroutine rather than
		// deadlocking against our own lock.
		if ready, terminal := finalizeIfReadyLocked(rec); ready {
			go r.finalize(rec, terminal)
		}
		return nil, ErrNotFound
	}

	if rec.pinnedIPSet && rec.pinnedIP != peerIP {
		return nil, ErrForbiddenWrongClient
	}

	if rec.MaxDownloads > 0 && rec.remainingDownloads == 0 {
		return nil, ErrBurned
	}

	if !rec.pinnedIPSet {
		rec.pinnedIP = peerIP
		rec.pinnedIPSet = true
	}

	rec.outstandingTickets++

	return &FetchTicket{id: id, blobPath: rec.BlobPath, key: rec.key}, nil
}

func (r *Registry) burnedTombstone(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.burned[id]
	return t, ok
}

// CommitFetch is called once a ticket's blob body has been fully
// streamed to the peer. It decrements the download counter and, if
// that reaches zero, transitions the record to Burned. The blob is
// only actually erased once every ticket AuthorizeFetch has issued for
// this record — including ones still streaming concurrently — has been
// committed or released, so a sibling download never reads a blob
// that's being zeroed out from under it.
func (r *Registry) CommitFetch(t *FetchTicket) {
	r.mu.RLock()
	rec, ok := r.records[t.id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.outstandingTickets--
	if rec.state == Live && rec.MaxDownloads > 0 {
		rec.remainingDownloads--
		if rec.remainingDownloads == 0 {
			rec.state = Burned
		}
	}
	ready, terminal := finalizeIfReadyLocked(rec)
	rec.mu.Unlock()

	if ready {
		r.finalize(rec, terminal)
	}
}

// ReleaseTicket is called when a client disconnects mid-stream: the
// ticket is dropped without committing, and the record stays Live so a
// retry from the same pinned IP can succeed. If the record had already
// turned terminal while this was the last outstanding ticket, releasing
// it is what finally lets finalize run.
func (r *Registry) ReleaseTicket(t *FetchTicket) {
	r.mu.RLock()
	rec, ok := r.records[t.id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.outstandingTickets--
	ready, terminal := finalizeIfReadyLocked(rec)
	rec.mu.Unlock()

	if ready {
		r.finalize(rec, terminal)
	}
}

// Destroy manually burns a drop: transitions it to terminal and, once
// no ticket is still reading its blob, erases it and wipes its key.
// Idempotent.
func (r *Registry) Destroy(id string) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.state == Live {
		rec.state = Burned
	}
	ready, terminal := finalizeIfReadyLocked(rec)
	rec.mu.Unlock()

	if ready {
		r.finalize(rec, terminal)
	}
}

// finalizeIfReadyLocked must be called with rec.mu held. A terminal
// record with no outstanding tickets and not yet finalized is marked
// finalized and reported ready, for the caller to finalize outside the
// lock; anything else reports not ready, leaving the last
// CommitFetch/ReleaseTicket/sweep to drain outstandingTickets to zero
// to do it instead.
func finalizeIfReadyLocked(rec *DropRecord) (ready bool, terminal State) {
	if rec.finalized || rec.state == Live || rec.outstandingTickets > 0 {
		return false, rec.state
	}
	rec.finalized = true
	return true, rec.state
}

// finalize erases rec's blob, wipes its key material, removes it from
// the live map, tombstones it if it burned (so late landing-page
// visitors still see the burn page), and invokes OnDestroy. Called at
// most once per record, per finalizeIfReadyLocked's guard.
func (r *Registry) finalize(rec *DropRecord, terminal State) {
	r.mu.Lock()
	delete(r.records, rec.ID)
	if terminal == Burned {
		r.burned[rec.ID] = time.Now()
	}
	r.mu.Unlock()

	rec.mu.Lock()
	blobPath := rec.BlobPath
	key := rec.key
	nonce := rec.nonce
	rec.mu.Unlock()

	if err := eraseBlob(blobPath); err != nil {
		log.Printf("registry: failed to erase blob for drop %s: %v", rec.ID, err)
	}
	if key != nil {
		key.Destroy()
	}
	if nonce != nil {
		nonce.Destroy()
	}

	if r.OnDestroy != nil {
		r.OnDestroy(rec.ID, terminal)
	}
}

// eraseBlob overwrites a file end-to-end with zeros, fsyncs, then
// unlinks it — spec.md's anti-forensic erasure, mirroring vapordrop's
// and the Rust store.rs Drop impl's zero-then-remove pattern.
func eraseBlob(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := info.Size()
	zeros := make([]byte, 64*1024)
	var written int64
	for written < size {
		chunk := int64(len(zeros))
		if remaining := size - written; remaining < chunk {
			chunk = remaining
		}
		n, werr := f.Write(zeros[:chunk])
		written += int64(n)
		if werr != nil {
			f.Close()
			return werr
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// PrivacyHash returns a BLAKE3 hash of a client IP, truncated and
// base64-encoded, suitable for appearing in logs in place of the raw
// address — the same "hash before logging" convention vapordrop uses
// for rate-limiter tokens.
func PrivacyHash(ip string) string {
	h := blake3.Sum256([]byte(ip))
	return base64.RawURLEncoding.EncodeToString(h[:8])
}
