// Package httpserver is deadrop's HTTP surface: the landing page, the
// blob endpoint, the receive-mode upload endpoint, and the embedded
// static assets a browser needs to decrypt what it fetches. Grounded
// on vapordrop's securityHeaders middleware, its randomDelay/
// constant-time patterns, and its flat net/http.ServeMux wiring in
// main() — generalized from vapordrop's message/file endpoints to
// deadrop's single-drop lifecycle.
package httpserver

import (
	"crypto/rand"
	"errors"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"deadrop/internal/codec"
	"deadrop/internal/keymaterial"
	"deadrop/internal/ratelimit"
	"deadrop/internal/registry"
)

// securityHeaderSet is set on every response, per spec.md §6.
var securityHeaderSet = map[string]string{
	"Content-Security-Policy": "default-src 'self'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

// idPattern matches deadrop's 16-character drop id alphabet.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16}$`)

// Server is the send-mode HTTP surface: it serves the landing page,
// the drop's blob, and deadrop's embedded static assets.
type Server struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Assets   http.FileSystem
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaderSet {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// Routes builds the send-mode mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/d/", s.handleLandingPage)
	mux.HandleFunc("/api/blob/", s.handleBlob)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(s.Assets)))
	return securityHeaders(mux)
}

// clientIP extracts the peer address without its port, the way
// vapordrop's ConnectInfo-derived addr.ip is used for pinning.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// jitter sleeps a uniformly sampled [50ms, 200ms) delay so that
// NotFound and Burned responses carry no timing signal distinguishing
// "never existed" from "existed but was burned", per spec.md §4.3.
func jitter() {
	n, err := rand.Int(rand.Reader, big.NewInt(150))
	delay := 50 * time.Millisecond
	if err == nil {
		delay += time.Duration(n.Int64()) * time.Millisecond
	}
	time.Sleep(delay)
}

func extractID(path, prefix string) (string, bool) {
	id := path[len(prefix):]
	if !idPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	if s.Limiter == nil {
		return false
	}
	if s.Limiter.Allow(clientIP(r)) {
		return false
	}
	jitter()
	http.Error(w, "rate limited", http.StatusTooManyRequests)
	return true
}

func (s *Server) handleLandingPage(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}
	id, ok := extractID(r.URL.Path, "/d/")
	if !ok {
		jitter()
		http.NotFound(w, r)
		return
	}

	switch s.lookup(id) {
	case lookupMissing:
		jitter()
		http.NotFound(w, r)
	case lookupBurned:
		jitter()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, burnedPageHTML)
	case lookupLive:
		serveFromFS(w, r, s.Assets, "index.html")
	}
}

type lookupState int

const (
	lookupMissing lookupState = iota
	lookupBurned
	lookupLive
)

// lookup reports a drop's landing-page visibility without consuming a
// download or pinning a client: Live records render the normal landing
// page, Burned records render the "already destroyed" page, anything
// else (missing or expired) is a plain 404. Backed by Registry.Peek,
// which is a read-only state query — unlike AuthorizeFetch, it never
// issues a ticket or sets a drop's pinned IP, so viewing the landing
// page can never itself consume or pin a download.
func (s *Server) lookup(id string) lookupState {
	state, err := s.Registry.Peek(id)
	if err != nil {
		return lookupMissing
	}
	switch state {
	case registry.Live:
		return lookupLive
	case registry.Burned:
		return lookupBurned
	default: // Expired
		return lookupMissing
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}
	id, ok := extractID(r.URL.Path, "/api/blob/")
	if !ok {
		jitter()
		http.NotFound(w, r)
		return
	}

	ticket, err := s.Registry.AuthorizeFetch(id, clientIP(r))
	switch {
	case err == nil:
		// fall through to serve
	case errors.Is(err, registry.ErrForbiddenWrongClient):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case errors.Is(err, registry.ErrBurned):
		jitter()
		http.Error(w, "drop already burned", http.StatusNotFound)
		return
	default:
		jitter()
		http.NotFound(w, r)
		return
	}

	f, err := os.OpenFile(ticket.BlobPath(), os.O_RDONLY, 0)
	if err != nil {
		s.Registry.ReleaseTicket(ticket)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.Registry.ReleaseTicket(ticket)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		// Client disconnected mid-stream: drop the ticket without
		// committing so the counter isn't touched and a retry from the
		// same pinned IP can still succeed, per spec.md §4.4/§5.
		s.Registry.ReleaseTicket(ticket)
		return
	}
	s.Registry.CommitFetch(ticket)
}

func serveFromFS(w http.ResponseWriter, r *http.Request, fsys http.FileSystem, name string) {
	f, err := fsys.Open("/" + name)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// ReceiveServer is the receive-mode HTTP surface: a single upload
// endpoint that accepts one encrypted blob, decrypts it with the
// receiver's own key, writes it to OutputDir, and schedules shutdown.
type ReceiveServer struct {
	Key        *keymaterial.Key
	OutputDir  string
	Assets     http.FileSystem
	OnReceived func(savedAs string, size int)

	received bool
}

// Routes builds the receive-mode mux.
func (rs *ReceiveServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", rs.handleUpload)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(rs.Assets)))
	mux.HandleFunc("/", rs.handleUploadPage)
	return securityHeaders(mux)
}

func (rs *ReceiveServer) handleUploadPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	serveFromFS(w, r, rs.Assets, "upload.html")
}

var filenameSanitizer = regexp.MustCompile(`[/\\\x00-\x1f]`)

func (rs *ReceiveServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rs.received {
		http.Error(w, "already received a file", http.StatusGone)
		return
	}

	filename := r.Header.Get("X-Filename")
	if decoded, err := url.QueryUnescape(filename); err == nil {
		filename = decoded
	}
	filename = filenameSanitizer.ReplaceAllString(filename, "")
	if filename == "" || filename == "." || filename == ".." {
		filename = "received_file"
	}
	// X-Mime isn't persisted: the file lands on disk under its own
	// filename, and the receiving OS derives a content type from that
	// the same way it would for any other downloaded file.

	plaintext, err := codec.DecodeAll(r.Body, rs.Key)
	if err != nil {
		log.Printf("httpserver: upload decode failed: %v", err)
		http.Error(w, "decryption failed", http.StatusBadRequest)
		return
	}

	if declared := r.Header.Get("X-Original-Size"); declared != "" {
		if want, err := strconv.Atoi(declared); err == nil && want != len(plaintext) {
			log.Printf("httpserver: upload size mismatch: declared %d, decoded %d", want, len(plaintext))
			http.Error(w, "size mismatch", http.StatusBadRequest)
			return
		}
	}

	outPath := joinOutputPath(rs.OutputDir, filename)
	if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
		log.Printf("httpserver: failed to save upload: %v", err)
		http.Error(w, "failed to save", http.StatusInternalServerError)
		return
	}

	rs.received = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"saved_as":"`+jsonEscape(filename)+`","size":`+strconv.Itoa(len(plaintext))+`}`)

	if rs.OnReceived != nil {
		go rs.OnReceived(filename, len(plaintext))
	}
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// joinOutputPath joins a sanitized filename onto dir, guaranteeing the
// result stays inside dir even if sanitization above is ever loosened.
func joinOutputPath(dir, filename string) string {
	clean := filepath.Base(filename)
	return filepath.Join(dir, clean)
}
