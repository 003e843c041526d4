//go:build linux || darwin

package rendezvous

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen binds the rendezvous's public UDP socket with SO_REUSEADDR set,
// so a restarted rendezvous can rebind the same public port immediately
// instead of racing the kernel's lingering socket state. This is the
// one place this system reaches below net for a socket option; every
// other socket in the system (handshake, forwarding) is a plain
// ephemeral net.ListenUDP with nothing to reuse.
func Listen(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
