package rendezvous

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/message"
)

// Default advertisement lifetime and eviction cadence.
const (
	DefaultRecordTTL     = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

// EventType distinguishes the kinds of Event the Server reports to an
// optional observer (pkg/statsapi).
type EventType string

const (
	EventAdvertised EventType = "advertised"
	EventMatched    EventType = "matched"
	EventEvicted    EventType = "evicted"
)

// Event is a single registry state change, emitted best-effort on the
// channel passed to WithEvents.
type Event struct {
	Type      EventType
	Service   string
	Timestamp time.Time
}

// Server is the rendezvous matcher: a single UDP socket and a single
// event loop dispatching Advertise/Request/KeepAlive.
type Server struct {
	conn     *net.UDPConn
	registry *Registry
	log      *logrus.Entry

	ttl           time.Duration
	sweepInterval time.Duration
	lastSweep     time.Time

	events chan Event
}

// Option customizes a Server at construction time.
type Option func(*Server)

// WithTTL overrides the default advertisement TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Server) { s.ttl = ttl }
}

// WithSweepInterval overrides the default eviction sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) { s.sweepInterval = d }
}

// WithEvents attaches a channel the server sends Events to on a
// best-effort (non-blocking) basis, for pkg/statsapi to observe.
func WithEvents(ch chan Event) Option {
	return func(s *Server) { s.events = ch }
}

// NewServer wraps an already-bound UDP socket (see Listen) in a matcher.
func NewServer(conn *net.UDPConn, log *logrus.Entry, opts ...Option) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		conn:          conn,
		registry:      NewRegistry(),
		log:           log.WithField("component", "rendezvous"),
		ttl:           DefaultRecordTTL,
		sweepInterval: DefaultSweepInterval,
		lastSweep:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the underlying service table, e.g. for pkg/statsapi.
func (s *Server) Registry() *Registry { return s.registry }

// Run executes the matcher's event loop until ctx is cancelled or a
// non-timeout socket error occurs.
func (s *Server) Run(ctx context.Context) error {
	// One byte over MaxControlSize so an oversized datagram reads as
	// oversized instead of silently truncating at the buffer boundary.
	buf := make([]byte, message.MaxControlSize+1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A short read deadline lets us notice ctx cancellation and run
		// the periodic sweep without a second goroutine touching the
		// registry.
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.maybeSweep()
				continue
			}
			return err
		}

		s.handleDatagram(buf[:n], addr)
		s.maybeSweep()
	}
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	if addr.IP.To4() == nil {
		s.log.WithField("addr", addr).Warn("dropping control datagram from non-IPv4 source")
		return
	}
	if len(data) > message.MaxControlSize {
		s.log.WithField("addr", addr).Warn("dropping oversized control datagram")
		return
	}

	msg, err := message.Decode(data)
	if err != nil {
		s.log.WithError(err).WithField("addr", addr).Warn("dropping undecodable control datagram")
		return
	}

	switch msg.Tag {
	case message.TagAdvertise:
		s.handleAdvertise(msg, addr)
	case message.TagRequest:
		s.handleRequest(msg, addr)
	case message.TagKeepAlive:
		s.handleKeepAlive(addr)
	default:
		s.log.WithField("tag", msg.Tag).Debug("ignoring unsupported control variant")
	}
}

func (s *Server) handleAdvertise(msg message.Message, addr *net.UDPAddr) {
	service := string(msg.ServiceID)
	now := time.Now()

	if err := s.registry.Advertise(service, addr, now); err != nil {
		s.log.WithField("service", service).WithField("addr", addr).Warn("duplicate advertisement")
		s.reply(addr, message.Message{Tag: message.TagError, Error: message.ErrorDuplicateKey})
		return
	}

	s.log.WithField("service", service).WithField("addr", addr).Info("service advertised")
	s.emit(Event{Type: EventAdvertised, Service: service, Timestamp: now})
	s.reply(addr, message.Message{Tag: message.TagOk})
}

func (s *Server) handleRequest(msg message.Message, addr *net.UDPAddr) {
	service := string(msg.ServiceID)

	rec, ok := s.registry.Match(service)
	if !ok {
		s.log.WithField("service", service).WithField("addr", addr).Info("no server for requested service")
		s.reply(addr, message.Message{Tag: message.TagError, Error: message.ErrorNoServer})
		return
	}

	requesterPeer, err := message.AddressFromUDP(addr)
	if err != nil {
		s.log.WithError(err).Warn("requester address is not representable on the wire")
		return
	}
	advertisedPeer, err := message.AddressFromUDP(rec.Peer)
	if err != nil {
		s.log.WithError(err).Warn("advertised address is not representable on the wire")
		return
	}

	s.log.WithField("service", service).WithField("requester", addr).WithField("exposer", rec.Peer).
		Info("matched service, notifying both peers")
	s.emit(Event{Type: EventMatched, Service: service, Timestamp: time.Now()})

	s.reply(rec.Peer, message.Message{Tag: message.TagPunchRendezvous, Peer: requesterPeer})
	s.reply(addr, message.Message{Tag: message.TagPunchRendezvous, Peer: advertisedPeer})
}

func (s *Server) handleKeepAlive(addr *net.UDPAddr) {
	if service := s.registry.RefreshBySource(addr, time.Now()); service != "" {
		s.log.WithField("service", service).Trace("keep-alive refreshed")
	}
}

func (s *Server) reply(to *net.UDPAddr, msg message.Message) {
	buf, err := message.Encode(nil, msg)
	if err != nil {
		s.log.WithError(err).WithField("tag", msg.Tag).Error("failed to encode reply")
		return
	}
	if _, err := s.conn.WriteToUDP(buf, to); err != nil {
		s.log.WithError(err).WithField("addr", to).Warn("failed to send reply")
	}
}

func (s *Server) maybeSweep() {
	if time.Since(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = time.Now()

	evicted := s.registry.Sweep(s.ttl, s.lastSweep)
	for _, service := range evicted {
		s.log.WithField("service", service).Info("evicted stale advertisement")
		s.emit(Event{Type: EventEvicted, Service: service, Timestamp: s.lastSweep})
	}
}

func (s *Server) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Observer channel full; drop rather than block the matcher loop.
	}
}
