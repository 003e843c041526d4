// Package handshake drives the two control exchanges a peer makes with
// the rendezvous (Advertise/Request) and the three-step punch that
// follows once the rendezvous has told both sides about each other.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/message"
)

// Errors surfaced by RunExposer and RunRequester. ErrNoServer is not
// returned by either: RunRequester retries a NoServer reply, and running
// out of retries yields ErrRetriesExhausted.
var (
	ErrDuplicateKey      = errors.New("handshake: service already advertised on rendezvous")
	ErrNoServer          = errors.New("handshake: no server advertised for requested service")
	ErrHandshakeTimeout  = errors.New("handshake: peer did not complete the punch in time")
	ErrUnexpectedVariant = errors.New("handshake: unexpected message variant from peer")
	ErrRetriesExhausted  = errors.New("handshake: exhausted retries registering with rendezvous")
)

// Config bundles every timing and addressing parameter the handshake
// needs. The backoff schedule and attempt count come from the linear
// 1s,2s,3s,4s,5s schedule the protocol specifies.
type Config struct {
	RendezvousAddr *net.UDPAddr
	Service        string

	// RegisterBackoff is the delay before each retry of the initial
	// Advertise/Request registration, indexed by attempt number
	// (attempt 0 has no delay). Defaults to [1,2,3,4,5]s.
	RegisterBackoff []time.Duration

	// PunchWait is how long the Requester waits after learning the
	// exposer's address before sending its first Step2, giving the
	// exposer's Step1 datagrams time to open its NAT mapping.
	PunchWait time.Duration

	// StepTimeout bounds the wait for each registration reply, and the
	// whole punch exchange on each side (individual punch reads use a
	// shorter poll deadline inside that window).
	StepTimeout time.Duration

	// KeepAliveInterval is the poll period while the exposer is parked
	// waiting for PunchRendezvous from the rendezvous.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns a Config populated with the protocol's
// recommended schedule.
func DefaultConfig(rendezvous *net.UDPAddr, service string) Config {
	return Config{
		RendezvousAddr:    rendezvous,
		Service:           service,
		RegisterBackoff:   []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second},
		PunchWait:         1 * time.Second,
		StepTimeout:       5 * time.Second,
		KeepAliveInterval: 1 * time.Second,
	}
}

// Result is a punched-through connection: a socket connect-bound to
// the peer's public endpoint, and that endpoint for logging.
type Result struct {
	Conn *net.UDPConn
	Peer *net.UDPAddr
}

// registerAndAwaitReply sends msg to the rendezvous and waits for a
// reply, retrying on timeout per cfg.RegisterBackoff. isFatal inspects
// an Error reply and decides whether it should abort immediately
// (Exposer: DuplicateKey) or be treated like a timeout and retried
// (Requester: NoServer, since a server may advertise moments later).
func registerAndAwaitReply(ctx context.Context, conn *net.UDPConn, cfg Config, msg message.Message, isFatal func(message.ErrorKind) error, log *logrus.Entry) (message.Message, error) {
	buf, err := message.Encode(nil, msg)
	if err != nil {
		return message.Message{}, fmt.Errorf("handshake: encode registration: %w", err)
	}

	recvBuf := make([]byte, message.MaxControlSize)
	delays := append([]time.Duration{0}, cfg.RegisterBackoff...)

	for attempt, delay := range delays {
		if delay > 0 {
			log.WithField("attempt", attempt).WithField("delay", delay).Debug("retrying rendezvous registration")
			select {
			case <-ctx.Done():
				return message.Message{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return message.Message{}, err
		}

		if _, err := conn.WriteToUDP(buf, cfg.RendezvousAddr); err != nil {
			return message.Message{}, fmt.Errorf("handshake: send registration: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(cfg.StepTimeout))
		n, from, err := conn.ReadFromUDP(recvBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return message.Message{}, fmt.Errorf("handshake: read registration reply: %w", err)
		}
		if !from.IP.Equal(cfg.RendezvousAddr.IP) || from.Port != cfg.RendezvousAddr.Port {
			continue // stray datagram, not the rendezvous
		}

		reply, err := message.Decode(recvBuf[:n])
		if err != nil {
			continue // malformed reply, treat as noise and retry
		}

		if reply.Tag == message.TagError {
			if err := isFatal(reply.Error); err != nil {
				return message.Message{}, err
			}
			continue
		}

		return reply, nil
	}

	return message.Message{}, ErrRetriesExhausted
}
