package relay

import (
	"context"
	"net"
	"testing"
	"time"
)

// udpEndpoint adapts a connected *net.UDPConn to the Endpoint interface.
type udpEndpoint struct {
	conn *net.UDPConn
}

func (e udpEndpoint) Read(b []byte) (int, error)        { return e.conn.Read(b) }
func (e udpEndpoint) Write(b []byte) (int, error)       { return e.conn.Write(b) }
func (e udpEndpoint) SetReadDeadline(t time.Time) error { return e.conn.SetReadDeadline(t) }

// addrEndpoint adapts an unconnected *net.UDPConn that always writes to
// a fixed peer address and reads from any sender, so Forward is
// exercised without a connect-bound socket on the peer side.
type addrEndpoint struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (e addrEndpoint) Read(b []byte) (int, error) {
	n, _, err := e.conn.ReadFromUDP(b)
	return n, err
}
func (e addrEndpoint) Write(b []byte) (int, error)       { return e.conn.WriteToUDP(b, e.peer) }
func (e addrEndpoint) SetReadDeadline(t time.Time) error { return e.conn.SetReadDeadline(t) }

// boundPair binds two loopback sockets and returns each wrapped as an
// endpoint addressed at the other.
func boundPair(t *testing.T) (a, b addrEndpoint) {
	t.Helper()

	connA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { connA.Close() })
	connB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { connB.Close() })

	a = addrEndpoint{conn: connA, peer: connB.LocalAddr().(*net.UDPAddr)}
	b = addrEndpoint{conn: connB, peer: connA.LocalAddr().(*net.UDPAddr)}
	return a, b
}

// reversingEcho reads datagrams from conn and writes the byte-reversed
// payload back to whoever sent them, simulating a destination service
// the relay forwards traffic to.
func reversingEcho(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reversed := make([]byte, n)
			for i := 0; i < n; i++ {
				reversed[i] = buf[n-1-i]
			}
			conn.WriteToUDP(reversed, from)
		}
	}()
}

func TestForwardCopiesBothDirections(t *testing.T) {
	t.Parallel()

	peerA, peerB := boundPair(t)

	echoListener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer echoListener.Close()
	reversingEcho(t, echoListener)

	dstConn, err := net.DialUDP("udp4", nil, echoListener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer dstConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Forward(ctx, peerB, udpEndpoint{dstConn}, nil)
	}()

	if _, err := peerA.Write([]byte("abcd")); err != nil {
		t.Fatalf("peerA.Write: %v", err)
	}

	peerA.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := peerA.Read(buf)
	if err != nil {
		t.Fatalf("peerA.Read: %v", err)
	}
	if string(buf[:n]) != "dcba" {
		t.Fatalf("got %q, want %q", buf[:n], "dcba")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Forward returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

func TestForwardTimesOutWhenIdle(t *testing.T) {
	t.Parallel()

	origIdle := IdleTimeout
	IdleTimeout = 100 * time.Millisecond
	defer func() { IdleTimeout = origIdle }()

	_, peerB := boundPair(t)
	dst, _ := boundPair(t)

	err := Forward(context.Background(), peerB, dst, nil)
	if err == nil {
		t.Fatal("expected Forward to return an idle timeout error")
	}
}
