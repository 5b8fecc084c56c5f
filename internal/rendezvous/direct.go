package rendezvous

import (
	"crypto/tls"
	"fmt"
	"net"
)

// DirectListener is the optional "direct-access" TCP listener: when enabled
// in config, peers that already know the host's routable address can skip
// rendezvous entirely and connect straight in.
type DirectListener struct {
	ln        net.Listener
	onPromote PromoteFunc
}

// ListenDirect starts the direct-access listener on port (default
// RENDEZVOUS_PORT+2, per spec.md §6; the caller supplies the resolved
// port). tlsCfg is optional (nil for plaintext); when set, every accepted
// connection is wrapped with tls.Server before being handed to onPromote,
// so the handshake (C1) runs over an already-secured stream.
func ListenDirect(port int, tlsCfg *tls.Config, onPromote PromoteFunc) (*DirectListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: direct-access listen: %w", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	d := &DirectListener{ln: ln, onPromote: onPromote}
	go d.acceptLoop()
	return d, nil
}

func (d *DirectListener) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return // listener closed
		}
		if d.onPromote != nil {
			d.onPromote(conn, false, "")
		} else {
			conn.Close()
		}
	}
}

// Close stops accepting new direct connections.
func (d *DirectListener) Close() error {
	return d.ln.Close()
}

// Addr returns the bound address, useful for tests that pass port 0.
func (d *DirectListener) Addr() net.Addr {
	return d.ln.Addr()
}
