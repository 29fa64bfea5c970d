package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deadrop/internal/keymaterial"
)

func mustKeyNonce(t *testing.T) (*keymaterial.Key, *keymaterial.BaseNonce) {
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

func writeBlob(t *testing.T, dir string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIPPinning(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 2, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.1"); err != nil {
		t.Fatalf("first fetch from 10.0.0.1: %v", err)
	}
	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.2"); err != ErrForbiddenWrongClient {
		t.Fatalf("fetch from different IP = %v, want ErrForbiddenWrongClient", err)
	}
	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.1"); err != nil {
		t.Fatalf("second fetch from same pinned IP: %v", err)
	}
}

func TestBurnsAfterMaxDownloads(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r.CommitFetch(ticket)

	if rec.State() != Burned {
		t.Fatalf("state = %v, want Burned", rec.State())
	}
	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.1"); err != ErrBurned {
		t.Fatalf("fetch after burn = %v, want ErrBurned", err)
	}
	if _, err := os.Stat(blob); !os.IsNotExist(err) {
		t.Fatal("blob file should have been erased after burn")
	}
}

func TestExpiryDestroysAndRemovesBlob(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 0, TTL: time.Millisecond}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.1"); err != ErrNotFound {
		t.Fatalf("fetch after expiry = %v, want ErrNotFound", err)
	}
	// The expiry branch destroys asynchronously; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, statErr := os.Stat(blob); os.IsNotExist(statErr) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("blob file was not erased after expiry")
}

func TestConcurrentFetchesNeverOversellCounter(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	const maxDownloads = 10
	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: maxDownloads, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
			if err != nil {
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
			r.CommitFetch(ticket)
		}()
	}
	wg.Wait()

	if successes != maxDownloads {
		t.Fatalf("successes = %d, want %d", successes, maxDownloads)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}
	r.Destroy(rec.ID)
	r.Destroy(rec.ID) // must not panic or double-free
}

func TestOnDestroyFiresAfterBurn(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	fired := make(chan State, 1)
	r.OnDestroy = func(id string, terminal State) {
		fired <- terminal
	}

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r.CommitFetch(ticket)

	select {
	case terminal := <-fired:
		if terminal != Burned {
			t.Fatalf("OnDestroy terminal state = %v, want Burned", terminal)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDestroy was never called")
	}
}

func TestPeekReportsBurnedAfterDestruction(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	if state, err := r.Peek(rec.ID); err != nil || state != Live {
		t.Fatalf("Peek before burn = (%v, %v), want (Live, nil)", state, err)
	}

	ticket, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r.CommitFetch(ticket)

	if state, err := r.Peek(rec.ID); err != nil || state != Burned {
		t.Fatalf("Peek after burn = (%v, %v), want (Burned, nil)", state, err)
	}
	if _, err := r.Peek("no-such-drop-id-1"); err != ErrNotFound {
		t.Fatalf("Peek of unknown id = %v, want ErrNotFound", err)
	}
}

func TestPeekNeverPinsOrConsumesADownload(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Peek(rec.ID); err != nil {
			t.Fatalf("Peek #%d: %v", i, err)
		}
	}

	// A real fetch from a client that never appeared in a Peek call must
	// still succeed: Peek must not have pinned any IP.
	if _, err := r.AuthorizeFetch(rec.ID, "203.0.113.7"); err != nil {
		t.Fatalf("fetch after repeated Peek: %v", err)
	}
	if rec.RemainingDownloads() != 1 {
		t.Fatalf("remaining downloads = %d, want 1 (Peek must not consume a download)", rec.RemainingDownloads())
	}
}

func TestBlobNotErasedWhileSiblingTicketStillOutstanding(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	// The counter is only decremented on commit, not on issue, so a
	// second ticket for the same pinned client can still be authorized
	// while the first is in flight.
	first, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	// Committing the first ticket drives the counter to zero and burns
	// the record, but the second ticket is still outstanding, so the
	// blob must survive.
	r.CommitFetch(first)
	if rec.State() != Burned {
		t.Fatalf("state = %v, want Burned", rec.State())
	}
	if _, err := os.Stat(blob); err != nil {
		t.Fatalf("blob erased while a sibling ticket was still outstanding: %v", err)
	}

	// Only once the last outstanding ticket is resolved does the blob go.
	r.CommitFetch(second)
	if _, err := os.Stat(blob); !os.IsNotExist(err) {
		t.Fatal("blob file should have been erased once the last outstanding ticket resolved")
	}
}

func TestDisconnectReleasesWithoutCommitting(t *testing.T) {
	r := New()
	defer r.Close()
	key, nonce := mustKeyNonce(t)
	blob := writeBlob(t, t.TempDir(), []byte("ciphertext"))

	rec, err := r.Create(Meta{Filename: "f", MaxDownloads: 1, TTL: time.Hour}, blob, 10, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := r.AuthorizeFetch(rec.ID, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r.ReleaseTicket(ticket) // simulate client disconnect

	if rec.State() != Live {
		t.Fatalf("state = %v, want Live after a released (uncommitted) ticket", rec.State())
	}
	// A retry from the same pinned IP must still be possible.
	if _, err := r.AuthorizeFetch(rec.ID, "10.0.0.1"); err != nil {
		t.Fatalf("retry after disconnect: %v", err)
	}
}
