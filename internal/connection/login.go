package connection

import (
	"fmt"
	"net"
	"time"

	"github.com/relaydesk/host/internal/wire"
)

// Credentials supplies the secrets Authenticate checks a LoginRequest
// against. TOTPSecret empty means second-factor is not required.
type Credentials struct {
	Password   string
	TOTPSecret string
}

// HandleLogin drives one LoginRequest through authentication and, on
// success, moves the connection to Authorized and wires its default
// service-bus subscriptions. For ConnTypePortForward and ConnTypeRDP
// requests it rewrites req.Host and req.Port to the resolved target.
func (c *Connection) HandleLogin(req *wire.LoginRequest, creds Credentials, throttle *Throttle, defaultPerms wire.Permissions) error {
	c.setState(StateAuthorizing)

	result := Authenticate(throttle, c.IP, creds.Password, creds.TOTPSecret, req, c)
	if srv := c.server.Value(); srv != nil && srv.OnAuthResult != nil {
		srv.OnAuthResult(c.ID, c.IP, result.OK, result.Error)
	}
	if !result.OK {
		c.setState(StateRejected)
		return c.Stream.SendTyped(wire.TypeLoginResponse, &wire.LoginResponse{
			OK:    false,
			Error: result.Error,
		})
	}

	c.mu.Lock()
	c.authorized = true
	c.ConnType = req.ConnType
	if c.permissions == (wire.Permissions{}) {
		c.permissions = defaultPerms
	}
	c.mu.Unlock()
	c.setState(StateAuthorized)

	if req.ConnType == wire.ConnTypePortForward || req.ConnType == wire.ConnTypeRDP {
		host, port := ResolvePortForwardTarget(req)
		req.Host, req.Port = host, port
	}

	perms := c.Permissions()
	if err := c.Stream.SendTyped(wire.TypeLoginResponse, &wire.LoginResponse{
		OK:          true,
		Permissions: &perms,
	}); err != nil {
		return fmt.Errorf("connection: send login_response: %w", err)
	}

	if req.ConnType == wire.ConnTypeRemote {
		c.subscribeServices()
	}
	return nil
}

// IsBlocked reports whether ip matches a configured blocklist entry; the
// caller sends LoginResponse{error} and closes after 1s per spec.md §4.1.
func IsBlocked(ip string, blocklist []string) bool {
	for _, entry := range blocklist {
		if entry == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(net.ParseIP(ip)) {
				return true
			}
		}
	}
	return false
}

// RejectBlocked sends the "your ip is blocked" response and closes the
// stream after a 1s delay, matching spec.md §4.1's failure mode.
func RejectBlocked(stream *wire.Conn) {
	stream.SendTyped(wire.TypeLoginResponse, &wire.LoginResponse{
		OK:    false,
		Error: "your ip is blocked",
	})
	go func() {
		time.Sleep(1 * time.Second)
		stream.Close()
	}()
}
