// Command ded is deadrop's CLI: `ded send <PATH>...` encrypts the file
// at the first PATH (or, with a directory argument, a tar.gz of that
// directory; further PATH arguments are ignored) in memory, serves it from a single in-process drop until it is burned,
// and exits; `ded receive` does the inverse, serving an upload page
// until one file arrives. Wiring style — memguard.CatchInterrupt,
// banner println, *http.Server with the same timeout profile — is
// grounded directly on vapordrop's main().
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"deadrop/internal/aead"
	"deadrop/internal/archive"
	"deadrop/internal/clidrop"
	"deadrop/internal/codec"
	"deadrop/internal/httpserver"
	"deadrop/internal/keymaterial"
	"deadrop/internal/ratelimit"
	"deadrop/internal/registry"
	"deadrop/internal/tordrop"
)

const version = "0.1.0"

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	default:
		// No subcommand named: treat the first argument as a path, the
		// way `ded <file>` is shorthand for `ded send <file>`.
		err = runSend(os.Args[1:])
	}
	if err != nil {
		log.Fatalf("deadrop: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ded send [flags] <path>...")
	fmt.Fprintln(os.Stderr, "       ded receive [flags]")
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	port := fs.Uint("p", 8080, "local port")
	bind := fs.String("b", "0.0.0.0", "bind address")
	expire := fs.String("e", "1h", "expiry, e.g. 30s, 10m, 1h, 7d")
	maxDownloads := fs.Uint("n", 1, "burn the drop after this many downloads (0 = unlimited)")
	password := fs.String("pw", "", "require this password before a client can decrypt")
	noQR := fs.Bool("no-qr", false, "accepted for compatibility; no terminal QR code is printed either way")
	useTor := fs.Bool("tor", false, "publish as a Tor v3 hidden service instead of binding locally")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("send: expected at least one path")
	}

	ttl, err := clidrop.ParseDuration(*expire)
	if err != nil {
		return err
	}
	cfg := clidrop.SendConfig{
		Path:         fs.Arg(0),
		Port:         uint16(*port),
		Bind:         *bind,
		Expire:       *expire,
		TTL:          ttl,
		MaxDownloads: uint32(*maxDownloads),
		Password:     *password,
		NoQR:         *noQR,
		Tor:          *useTor,
	}

	plaintext, filename, mime, err := loadPayload(cfg.Path)
	if err != nil {
		return err
	}

	key, salt, err := deriveSendKey(cfg.Password)
	if err != nil {
		return err
	}
	defer key.Destroy()

	nonce, err := keymaterial.GenerateBaseNonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	defer nonce.Destroy()

	blob, err := codec.EncodeAll(key, nonce, plaintext)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	blobPath, err := writeTempBlob(blob)
	if err != nil {
		return err
	}

	reg := registry.New()
	defer reg.Close()

	done := make(chan struct{})
	var closeOnce sync.Once
	reg.OnDestroy = func(id string, _ registry.State) {
		closeOnce.Do(func() { close(done) })
	}

	rec, err := reg.Create(registry.Meta{
		Filename:          filename,
		Mime:              mime,
		PasswordProtected: cfg.Password != "",
		MaxDownloads:      cfg.MaxDownloads,
		TTL:               cfg.TTL,
		FileSize:          uint64(len(plaintext)),
	}, blobPath, int64(len(blob)), key, nonce)
	if err != nil {
		return fmt.Errorf("create drop: %w", err)
	}

	limiter := ratelimit.New(2, 5)
	sweepStop := make(chan struct{})
	go limiter.RunSweeper(time.Minute, sweepStop)
	defer close(sweepStop)

	srv := &httpserver.Server{
		Registry: reg,
		Limiter:  limiter,
		Assets:   httpserver.Assets(),
	}

	listener, hostLabel, cleanup, err := bindListener(cfg.Bind, int(cfg.Port), cfg.Tor)
	if err != nil {
		return err
	}
	defer cleanup()

	var fragment string
	if salt != nil {
		// Password mode: the fragment carries only the salt. The key
		// itself is re-derived by the browser from the password plus
		// this salt, so it never appears in the
		// URL at all.
		fragment = "pw:" + base64.RawURLEncoding.EncodeToString(salt[:])
	} else {
		fragment = base64.RawURLEncoding.EncodeToString(key.Bytes()[:])
	}
	url := fmt.Sprintf("http://%s/d/%s#%s", hostLabel, rec.ID, fragment)

	fmt.Printf("deadrop %s: drop ready\n", version)
	fmt.Printf("  %s\n", url)
	fmt.Printf("  expires in %s, max downloads %d\n", cfg.TTL, cfg.MaxDownloads)
	if cfg.Password != "" {
		fmt.Println("  password protected")
	}

	httpSrv := &http.Server{
		Handler:           srv.Routes(),
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	outDir := fs.String("o", ".", "directory to save the received file in")
	port := fs.Uint("p", 8080, "local port")
	bind := fs.String("b", "0.0.0.0", "bind address")
	useTor := fs.Bool("tor", false, "publish as a Tor v3 hidden service instead of binding locally")
	fs.Bool("no-qr", false, "accepted for compatibility; no terminal QR code is printed either way") // accepted; no QR presenter exists to skip
	fs.Parse(args)

	key, err := keymaterial.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	defer key.Destroy()

	if err := os.MkdirAll(*outDir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	done := make(chan struct{})
	rs := &httpserver.ReceiveServer{
		Key:       key,
		OutputDir: *outDir,
		Assets:    httpserver.Assets(),
		OnReceived: func(savedAs string, size int) {
			fmt.Printf("deadrop: received %s (%d bytes)\n", savedAs, size)
			close(done)
		},
	}

	listener, hostLabel, cleanup, err := bindListener(*bind, int(*port), *useTor)
	if err != nil {
		return err
	}
	defer cleanup()

	keyFragment := base64.RawURLEncoding.EncodeToString(key.Bytes()[:])
	url := fmt.Sprintf("http://%s/#%s", hostLabel, keyFragment)

	fmt.Println("deadrop: waiting to receive a file")
	fmt.Printf("  %s\n", url)

	httpSrv := &http.Server{
		Handler:           rs.Routes(),
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-done
		time.Sleep(2 * time.Second) // let the response flush before tearing the listener down
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// loadPayload reads path into memory, archiving it first if it's a
// directory. path == "-" reads the whole of stdin instead, under the
// fixed name clipboard.txt. Mime detection is deliberately simple:
// deadrop only needs enough of a Content-Type for the browser to offer
// a sane download, not a full sniffing stack.
func loadPayload(path string) (data []byte, filename, mime string, err error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", "", fmt.Errorf("read stdin: %w", err)
		}
		return raw, "clipboard.txt", "text/plain", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", "", err
	}

	if info.IsDir() {
		var buf bytes.Buffer
		name, err := archive.CompressDir(path, &buf)
		if err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), name, "application/gzip", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", err
	}
	return raw, filepath.Base(path), mimeFromExt(filepath.Ext(path)), nil
}

func mimeFromExt(ext string) string {
	switch ext {
	case ".txt":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".zip":
		return "application/zip"
	case ".gz", ".tgz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

func deriveSendKey(password string) (*keymaterial.Key, *[aead.SaltLen]byte, error) {
	if password == "" {
		k, err := keymaterial.GenerateKey()
		return k, nil, err
	}
	var salt [aead.SaltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, nil, err
	}
	return keymaterial.KeyFromPassword([]byte(password), &salt), &salt, nil
}

func writeTempBlob(blob []byte) (string, error) {
	f, err := os.CreateTemp("", "deadrop-blob-*.bin")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(blob); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// bindListener picks between a local TCP listener and a Tor hidden
// service, returning a human-readable host label for the printed URL
// and a cleanup func the caller must defer.
func bindListener(bind string, port int, useTor bool) (net.Listener, string, func(), error) {
	if useTor {
		hs, err := tordrop.Start(context.Background())
		if err != nil {
			return nil, "", nil, err
		}
		return hs.Listener(), hs.Hostname, func() { hs.Close() }, nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bind, port))
	if err != nil {
		return nil, "", nil, err
	}
	return ln, ln.Addr().String(), func() { ln.Close() }, nil
}
