// Package session runs the Requester side: one shared listener socket
// accepts traffic from local client applications, and each distinct
// local source address gets its own punched-through flow to the
// advertised service, tracked in a local_source_addr -> ActiveFlow map.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/handshake"
	"github.com/thelastdreamer/udppunch/pkg/message"
)

// CleanupInterval is how often the manager sweeps for stale flows. It
// is a var, not a const, so tests can shorten it instead of waiting
// out the real value.
var CleanupInterval = 5 * time.Second

// IdleTimeout is how long a flow can go without the local client
// writing to it before its reader goroutine marks it stale, matching
// relay.IdleTimeout's 5s default. A var for the same reason as
// CleanupInterval.
var IdleTimeout = 5 * time.Second

// ActiveFlow tracks one punched-through connection serving a single
// local client that connected to the Requester's listener. The stale
// flag is set by the flow's own reader goroutine on exit and reaped by
// the manager's cleanup loop, rather than forced closed from outside
// mid-forward.
type ActiveFlow struct {
	Peer     *net.UDPAddr
	Conn     *net.UDPConn
	Started  time.Time
	LastSeen time.Time
	stale    bool
}

// Manager owns the Requester's single listener socket and the
// local_source_addr -> ActiveFlow table. New flows are punched
// synchronously inline in the accept loop, the same way the system
// this is modeled on blocks its single accept task on a new handshake:
// it keeps the table free of races at the cost of new connections
// queuing behind whichever handshake is currently in flight. The table
// is still mutex-guarded because each flow's reader goroutine also
// marks itself stale concurrently with the accept loop's own inserts.
type Manager struct {
	mu    sync.Mutex
	flows map[string]*ActiveFlow

	listenAddr *net.UDPAddr
	rendAddr   *net.UDPAddr
	service    string
	log        *logrus.Entry

	wg sync.WaitGroup
}

// NewManager constructs a Manager. listenAddr is the local address
// client applications connect to; rendAddr and service identify the
// service to request on the rendezvous for each new flow.
func NewManager(listenAddr, rendAddr *net.UDPAddr, service string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		flows:      make(map[string]*ActiveFlow),
		listenAddr: listenAddr,
		rendAddr:   rendAddr,
		service:    service,
		log:        log.WithField("component", "session"),
	}
}

// Run binds the listener socket and serves flows until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", m.listenAddr)
	if err != nil {
		return fmt.Errorf("session: bind listener: %w", err)
	}
	defer conn.Close()

	m.log.WithField("addr", conn.LocalAddr()).Info("listening for local clients")

	go m.cleanupLoop(ctx)

	buf := make([]byte, message.ForwardBufferSize)
	for {
		if ctx.Err() != nil {
			m.wg.Wait()
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("session: read from listener: %w", err)
		}

		m.handleClientDatagram(ctx, conn, from, buf[:n])
	}
}

// handleClientDatagram is the listener socket's only reader. An
// existing flow gets the datagram forwarded straight to its punched
// peer socket; a new source address triggers a synchronous handshake
// before the datagram is forwarded and a reader goroutine is spawned
// for the reverse direction.
func (m *Manager) handleClientDatagram(ctx context.Context, listener *net.UDPConn, from *net.UDPAddr, payload []byte) {
	key := from.String()

	m.mu.Lock()
	flow, exists := m.flows[key]
	if exists && flow.stale {
		delete(m.flows, key)
		m.mu.Unlock()
		m.log.WithField("client", from).Debug("dropped datagram for stale flow")
		return
	}
	if exists {
		flow.LastSeen = time.Now()
	}
	m.mu.Unlock()

	if exists {
		if _, err := flow.Conn.Write(payload); err != nil {
			m.log.WithError(err).WithField("client", from).Warn("failed to forward datagram to peer, dropping flow")
			m.mu.Lock()
			flow.stale = true
			delete(m.flows, key)
			m.mu.Unlock()
		}
		return
	}

	log := m.log.WithField("client", from)
	cfg := handshake.DefaultConfig(m.rendAddr, m.service)

	result, err := handshake.RunRequester(ctx, cfg, log)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("handshake failed for new local client")
		return
	}

	newFlow := &ActiveFlow{Peer: result.Peer, Conn: result.Conn, Started: time.Now(), LastSeen: time.Now()}
	m.mu.Lock()
	m.flows[key] = newFlow
	m.mu.Unlock()

	if _, err := result.Conn.Write(payload); err != nil {
		log.WithError(err).Warn("failed to forward first datagram to peer")
	}

	m.wg.Add(1)
	go m.readFromPeer(ctx, listener, from, newFlow, log)
}

// readFromPeer copies datagrams from the punched peer socket back to
// the local client via the shared listener socket, until the flow is
// idle or the peer socket errors.
func (m *Manager) readFromPeer(ctx context.Context, listener *net.UDPConn, clientAddr *net.UDPAddr, flow *ActiveFlow, log *logrus.Entry) {
	defer m.wg.Done()
	defer flow.Conn.Close()
	defer m.markStale(flow)

	buf := make([]byte, message.ForwardBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		idleSince := time.Since(flow.LastSeen)
		m.mu.Unlock()
		if idleSince > IdleTimeout {
			log.Debug("flow idle, tearing down")
			return
		}

		flow.Conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := flow.Conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.WithError(err).Debug("peer socket closed")
			return
		}

		if _, err := listener.WriteToUDP(buf[:n], clientAddr); err != nil {
			log.WithError(err).Warn("failed to forward datagram to local client")
			return
		}
	}
}

// markStale flags the reader's own flow for the cleanup loop. The
// reader holds a reference to the flow, never to the map, so a key
// that has since been reaped and reassigned to a fresh flow is never
// touched here.
func (m *Manager) markStale(flow *ActiveFlow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow.stale = true
}

// cleanupLoop periodically reaps flows their own goroutine has marked
// stale.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, flow := range m.flows {
		if flow.stale {
			delete(m.flows, key)
			m.log.WithField("client", key).Debug("reaped stale flow")
		}
	}
}
