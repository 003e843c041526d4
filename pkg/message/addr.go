package message

import (
	"fmt"
	"net"
)

// AddressFromUDP converts a *net.UDPAddr (must carry a 4-byte IPv4
// address) into the wire PeerAddress shape.
func AddressFromUDP(addr *net.UDPAddr) (PeerAddress, error) {
	v4 := addr.IP.To4()
	if v4 == nil {
		return PeerAddress{}, fmt.Errorf("message: %s is not an IPv4 address", addr.IP)
	}
	if addr.Port < 0 || addr.Port > 0xFFFF {
		return PeerAddress{}, fmt.Errorf("message: port %d out of range", addr.Port)
	}
	var pa PeerAddress
	copy(pa.IP[:], v4)
	pa.Port = uint16(addr.Port)
	return pa, nil
}

// UDPAddr converts a wire PeerAddress back into a *net.UDPAddr.
func (p PeerAddress) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, p.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(p.Port)}
}
