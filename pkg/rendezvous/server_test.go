package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/thelastdreamer/udppunch/pkg/message"
)

func newLoopbackServer(t *testing.T, opts ...Option) (*Server, *net.UDPAddr) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	srv := NewServer(conn, nil, opts...)
	return srv, conn.LocalAddr().(*net.UDPAddr)
}

func runServer(t *testing.T, srv *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	return cancel
}

func send(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, msg message.Message) {
	t.Helper()
	buf, err := message.Encode(nil, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.WriteToUDP(buf, to); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func recv(t *testing.T, conn *net.UDPConn) message.Message {
	t.Helper()
	buf := make([]byte, message.MaxControlSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	msg, err := message.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func TestServerAdvertiseThenRequestMatches(t *testing.T) {
	t.Parallel()

	srv, srvAddr := newLoopbackServer(t)
	defer runServer(t, srv)()

	exposer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer exposer.Close()
	requester, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer requester.Close()

	send(t, exposer, srvAddr, message.Message{Tag: message.TagAdvertise, ServiceID: []byte("echo")})
	if got := recv(t, exposer); got.Tag != message.TagOk {
		t.Fatalf("advertise reply Tag = %v, want Ok", got.Tag)
	}

	send(t, requester, srvAddr, message.Message{Tag: message.TagRequest, ServiceID: []byte("echo")})

	exposerNotice := recv(t, exposer)
	if exposerNotice.Tag != message.TagPunchRendezvous {
		t.Fatalf("exposer notice Tag = %v, want PunchRendezvous", exposerNotice.Tag)
	}
	wantRequesterAddr, _ := message.AddressFromUDP(requester.LocalAddr().(*net.UDPAddr))
	if exposerNotice.Peer != wantRequesterAddr {
		t.Fatalf("exposer notice Peer = %+v, want %+v", exposerNotice.Peer, wantRequesterAddr)
	}

	requesterNotice := recv(t, requester)
	if requesterNotice.Tag != message.TagPunchRendezvous {
		t.Fatalf("requester notice Tag = %v, want PunchRendezvous", requesterNotice.Tag)
	}
	wantExposerAddr, _ := message.AddressFromUDP(exposer.LocalAddr().(*net.UDPAddr))
	if requesterNotice.Peer != wantExposerAddr {
		t.Fatalf("requester notice Peer = %+v, want %+v", requesterNotice.Peer, wantExposerAddr)
	}

	if srv.Registry().Len() != 0 {
		t.Fatalf("registry should be empty after one-shot match, has %d entries", srv.Registry().Len())
	}
}

func TestServerDuplicateAdvertiseIsRejected(t *testing.T) {
	t.Parallel()

	srv, srvAddr := newLoopbackServer(t)
	defer runServer(t, srv)()

	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer a.Close()
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer b.Close()

	send(t, a, srvAddr, message.Message{Tag: message.TagAdvertise, ServiceID: []byte("dup")})
	if got := recv(t, a); got.Tag != message.TagOk {
		t.Fatalf("first advertise Tag = %v, want Ok", got.Tag)
	}

	send(t, b, srvAddr, message.Message{Tag: message.TagAdvertise, ServiceID: []byte("dup")})
	got := recv(t, b)
	if got.Tag != message.TagError || got.Error != message.ErrorDuplicateKey {
		t.Fatalf("second advertise reply = %+v, want Error/DuplicateKey", got)
	}
}

func TestServerRequestWithNoServerReturnsNoServer(t *testing.T) {
	t.Parallel()

	srv, srvAddr := newLoopbackServer(t)
	defer runServer(t, srv)()

	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer c.Close()

	send(t, c, srvAddr, message.Message{Tag: message.TagRequest, ServiceID: []byte("ghost")})
	got := recv(t, c)
	if got.Tag != message.TagError || got.Error != message.ErrorNoServer {
		t.Fatalf("request reply = %+v, want Error/NoServer", got)
	}
}

func TestServerKeepAliveRefreshesRegisteredService(t *testing.T) {
	t.Parallel()

	srv, srvAddr := newLoopbackServer(t)
	defer runServer(t, srv)()

	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer a.Close()

	send(t, a, srvAddr, message.Message{Tag: message.TagAdvertise, ServiceID: []byte("alive")})
	recv(t, a)

	snap := srv.Registry().Snapshot()
	if len(snap) != 1 {
		t.Fatalf("registry has %d records after advertise, want 1", len(snap))
	}
	advertisedAt := snap[0].LastSeen
	time.Sleep(20 * time.Millisecond)

	send(t, a, srvAddr, message.Message{Tag: message.TagKeepAlive})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := srv.Registry().Snapshot()
		if len(snap) == 1 && snap[0].LastSeen.After(advertisedAt) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("keep-alive did not refresh the registered record")
}

func TestServerDropsOversizedDatagram(t *testing.T) {
	t.Parallel()

	srv, srvAddr := newLoopbackServer(t)
	defer runServer(t, srv)()

	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer c.Close()

	oversized := make([]byte, message.MaxControlSize+1)
	if _, err := c.WriteToUDP(oversized, srvAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	// The server must keep running and still answer a well-formed request.
	send(t, c, srvAddr, message.Message{Tag: message.TagRequest, ServiceID: []byte("still-alive")})
	got := recv(t, c)
	if got.Tag != message.TagError || got.Error != message.ErrorNoServer {
		t.Fatalf("reply after oversized datagram = %+v, want Error/NoServer", got)
	}
}
