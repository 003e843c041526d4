// Package relay copies UDP datagrams between a punched-through peer
// socket and a local destination socket once the handshake completes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/message"
)

// IdleTimeout is how long the forwarder waits without traffic in
// either direction before it tears the flow down. It is a var, not a
// const, so tests can shorten it instead of waiting out the real value.
var IdleTimeout = 5 * time.Second

// peerReader and peerWriter are satisfied by a connected *net.UDPConn
// on both the punched side and the destination side.
type peerReader interface {
	Read([]byte) (int, error)
	SetReadDeadline(time.Time) error
}

type peerWriter interface {
	Write([]byte) (int, error)
}

// Endpoint is one side of a forwarded flow.
type Endpoint interface {
	peerReader
	peerWriter
}

// Forward bidirectionally copies datagrams between peer and dst until
// ctx is cancelled, IdleTimeout elapses with no traffic on either side,
// or either side returns a non-timeout error. It runs one goroutine per
// direction rather than a single select over both reads: with a single
// select, two reads firing at once lose whichever datagram sits in the
// cancelled branch's buffer. Two independent goroutines, each owning
// its own buffer, don't have that failure mode.
func Forward(ctx context.Context, peer Endpoint, dst Endpoint, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := make(chan struct{}, 2)
	errs := make(chan error, 2)

	go copyDirection(ctx, dst, peer, activity, errs, log.WithField("direction", "peer->dst"))
	go copyDirection(ctx, peer, dst, activity, errs, log.WithField("direction", "dst->peer"))

	idle := time.NewTimer(IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case <-activity:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(IdleTimeout)
		case <-idle.C:
			return fmt.Errorf("relay: idle for %s", IdleTimeout)
		}
	}
}

// copyDirection reads from src and writes to dst until ctx is done or
// a non-timeout error occurs. Every successful copy pings activity so
// Forward's idle timer can be reset.
func copyDirection(ctx context.Context, dst peerWriter, src peerReader, activity chan<- struct{}, errs chan<- error, log *logrus.Entry) {
	buf := make([]byte, message.ForwardBufferSize)

	for {
		if ctx.Err() != nil {
			return
		}

		src.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := src.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case errs <- err:
			default:
			}
			return
		}

		if _, err := dst.Write(buf[:n]); err != nil {
			log.WithError(err).Warn("dropping datagram, write to peer failed")
			select {
			case errs <- err:
			default:
			}
			return
		}

		select {
		case activity <- struct{}{}:
		default:
		}
	}
}
