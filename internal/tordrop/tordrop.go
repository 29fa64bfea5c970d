// Package tordrop optionally publishes deadrop's HTTP surface as a Tor
// v3 hidden service. Grounded directly on vapordrop's main(), which
// derives an Ed25519 onion key and calls github.com/cretz/bine's
// tor.Start/t.Listen; deadrop generates its onion key fresh per run
// instead of deriving it from a long-lived passphrase, since
// spec.md's non-goals explicitly exclude "authenticated identities or
// accounts" — an ephemeral drop has no standing identity to protect
// across restarts. The CLI parser and terminal presentation around
// this (the --tor flag itself, the banner) are out of scope per
// spec.md §1; this package only specifies the launch/listen interface.
package tordrop

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cretz/bine/tor"
)

// HiddenService is a running Tor v3 onion service forwarding to a
// local listener.
type HiddenService struct {
	Onion    *tor.OnionService
	Hostname string

	tor *tor.Tor
}

// Start launches an embedded Tor instance and publishes a v3 hidden
// service whose public port 80 is served directly by this process —
// bine's OnionService is itself a net.Listener, so there's no separate
// local port to forward from, matching how vapordrop hands onion
// straight to http.Server.Serve.
func Start(ctx context.Context) (*HiddenService, error) {
	t, err := tor.Start(ctx, &tor.StartConf{
		TempDataDirBase: os.TempDir(),
		NoAutoSocksPort: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tordrop: start tor: %w", err)
	}

	_, onionKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("tordrop: generate onion key: %w", err)
	}

	listenCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		Version3:    true,
		Key:         onionKey,
		RemotePorts: []int{80},
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("tordrop: listen: %w", err)
	}
	for i := range onionKey {
		onionKey[i] = 0
	}

	return &HiddenService{
		Onion:    onion,
		Hostname: onion.ID + ".onion",
		tor:      t,
	}, nil
}

// Listener exposes the onion service as a net.Listener for http.Serve.
func (h *HiddenService) Listener() net.Listener { return h.Onion }

// Close tears down the hidden service and the embedded Tor process.
func (h *HiddenService) Close() error {
	var err error
	if h.Onion != nil {
		err = h.Onion.Close()
	}
	if h.tor != nil {
		h.tor.Close()
	}
	return err
}
