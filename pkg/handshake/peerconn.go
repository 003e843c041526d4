package handshake

import (
	"fmt"
	"net"
	"time"
)

// PeerConn restricts reads and writes on a shared *net.UDPConn to a
// single fixed peer address, for the duration of the punch only. The
// underlying socket cannot be Dial'd yet at that point (the punch
// needs to send before the peer's reply has been seen, and a connected
// socket would refuse datagrams from an address it hasn't whitelisted
// via connect(2)), so this type does the equivalent filtering in
// userspace: any datagram read is checked against Peer before its
// payload is returned, and Write always targets Peer. Once the punch
// completes, connectPunched replaces the filter with a real connected
// socket.
type PeerConn struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

// NewPeerConn wraps conn, scoping further traffic to peer.
func NewPeerConn(conn *net.UDPConn, peer *net.UDPAddr) *PeerConn {
	return &PeerConn{conn: conn, peer: peer}
}

// Peer returns the address this connection is scoped to.
func (p *PeerConn) Peer() *net.UDPAddr { return p.peer }

// Write sends b to the peer address.
func (p *PeerConn) Write(b []byte) (int, error) {
	return p.conn.WriteToUDP(b, p.peer)
}

// Read blocks until a datagram from the peer address arrives, or
// deadline expires, discarding datagrams from any other source.
func (p *PeerConn) Read(b []byte) (int, error) {
	for {
		n, from, err := p.conn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if from.IP.Equal(p.peer.IP) && from.Port == p.peer.Port {
			return n, nil
		}
	}
}

// SetReadDeadline forwards to the underlying socket.
func (p *PeerConn) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// connectPunched promotes a punched socket to a connected one: the
// unconnected socket the punch ran on is closed and its local port
// immediately re-bound connect-bound to the peer's public endpoint, so
// the NAT mapping the punch opened keeps serving the flow while plain
// Read/Write exchange datagrams with that peer only.
func connectPunched(conn *net.UDPConn, peer *net.UDPAddr) (*net.UDPConn, error) {
	local := conn.LocalAddr().(*net.UDPAddr)
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("handshake: release punched socket: %w", err)
	}
	pconn, err := net.DialUDP("udp4", local, peer)
	if err != nil {
		return nil, fmt.Errorf("handshake: connect punched socket: %w", err)
	}
	return pconn, nil
}
