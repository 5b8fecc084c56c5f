package connection

import (
	"context"
	"fmt"
	"net"

	"github.com/relaydesk/host/internal/wire"
)

// servePortForward runs a ConnTypePortForward or ConnTypeRDP session once
// login has succeeded: host and port were already resolved onto req by
// HandleLogin (RDP shorthand rewritten to the local RDP listener). Unlike
// the remote-control loop, no capture/input/clipboard dispatch applies —
// the connection becomes a raw byte pipe between the dialed target and the
// peer, carried as PortForwardData chunks so it rides the same encrypted,
// length-prefixed envelope stream as every other session type.
func servePortForward(ctx context.Context, c *Connection, host string, port int) {
	target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		log.Warn("connection: port-forward dial failed", "id", c.ID, "target", fmt.Sprintf("%s:%d", host, port), "error", err)
		return
	}
	defer target.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		target.Close()
	}()

	go func() {
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if sendErr := c.Stream.SendTyped(wire.TypePortForwardData, &wire.PortForwardData{Data: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		env, err := c.Stream.Recv()
		if err != nil {
			return
		}
		c.MarkRecv()
		if env.Type != wire.TypePortForwardData {
			continue
		}
		var pfd wire.PortForwardData
		if wire.Unmarshal(env, &pfd) != nil {
			continue
		}
		if _, err := target.Write(pfd.Data); err != nil {
			return
		}
	}
}
