//go:build !tsnet

package tsutil

import (
	"context"
	"errors"
	"net"
)

// Listen is a no-op stub used when the binary is built without the tsnet
// tag (the default); it always fails so callers fall back to a plain
// public listener instead of silently ignoring TAILSCALE_AUTHKEY.
func Listen(_ context.Context, _, _, _, _ string) (net.Listener, func() error, error) {
	return nil, nil, errors.New("tsutil: built without -tags tsnet; rebuild with that tag to enable the tailnet-only health listener")
}

// Enabled reports that this build was compiled without the tsnet tag.
const Enabled = false
