//go:build tsnet

// Package tsutil optionally exposes the health probe server only on the
// tailnet instead of a public port, mirroring the teacher's
// TailscaleConfig and its "go build -tags tsnet" pattern (cmd/gateway.go).
// Built in only under the tsnet tag so a default build never links in
// tailscale.com's sizable dependency tree.
package tsutil

import (
	"context"
	"fmt"
	"net"

	"tailscale.com/tsnet"
)

// Listen joins the tailnet as hostname (authenticating with authKey,
// persisting node state under stateDir) and returns a listener bound to
// addr on that tailnet interface. The returned close func shuts the tsnet
// node down; callers should defer it alongside the listener.
func Listen(ctx context.Context, hostname, authKey, stateDir, addr string) (net.Listener, func() error, error) {
	srv := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  authKey,
		Dir:      stateDir,
	}
	ln, err := srv.Listen("tcp", addr)
	if err != nil {
		srv.Close()
		return nil, nil, fmt.Errorf("tsutil: tsnet listen: %w", err)
	}
	if _, err := srv.Up(ctx); err != nil {
		ln.Close()
		srv.Close()
		return nil, nil, fmt.Errorf("tsutil: tsnet up: %w", err)
	}
	return ln, srv.Close, nil
}

// Enabled reports that this build was compiled with the tsnet tag.
const Enabled = true
