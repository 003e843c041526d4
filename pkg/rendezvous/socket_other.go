//go:build !linux && !darwin

package rendezvous

import "net"

// Listen binds the rendezvous's public UDP socket. Platforms outside
// linux/darwin fall back to a plain bind; SO_REUSEADDR tuning (see
// socket.go) is POSIX-socket-option-specific.
func Listen(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", udpAddr)
}
