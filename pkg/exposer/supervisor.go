// Package exposer runs the Exposer side: repeatedly advertise a
// service and forward whatever traffic the matched requester sends to
// a fixed local destination.
package exposer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/handshake"
	"github.com/thelastdreamer/udppunch/pkg/relay"
)

// Supervisor repeatedly advertises a service on the rendezvous and, on
// each match, punches through and forwards traffic to a fixed local
// destination. Re-advertising is unbounded: as soon as one match's
// handshake finishes starting, the supervisor immediately advertises
// again so a second requester can be served concurrently.
type Supervisor struct {
	RendezvousAddr *net.UDPAddr
	Service        string
	ForwardTo      *net.UDPAddr

	log *logrus.Entry
}

// NewSupervisor constructs a Supervisor forwarding matched traffic to
// forwardTo.
func NewSupervisor(rendezvousAddr, forwardTo *net.UDPAddr, service string, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		RendezvousAddr: rendezvousAddr,
		Service:        service,
		ForwardTo:      forwardTo,
		log:            log.WithField("component", "exposer").WithField("service", service),
	}
}

// Run advertises and serves matches until ctx is cancelled. A fatal
// registration error (the service name is already taken) stops the
// loop and is returned; individual match/forward failures are logged
// and the loop re-advertises.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cfg := handshake.DefaultConfig(s.RendezvousAddr, s.Service)
		result, err := handshake.RunExposer(ctx, cfg, s.log)
		if err != nil {
			if err == handshake.ErrDuplicateKey {
				return fmt.Errorf("exposer: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("handshake attempt failed, re-advertising")
			continue
		}

		wg.Add(1)
		go s.serveMatch(ctx, &wg, result)
	}
}

// serveMatch dials the local forward destination and relays traffic
// between it and the punched-through peer until the flow ends.
func (s *Supervisor) serveMatch(ctx context.Context, wg *sync.WaitGroup, result *handshake.Result) {
	defer wg.Done()
	defer result.Conn.Close()

	log := s.log.WithField("peer", result.Peer)

	dst, err := net.DialUDP("udp4", nil, s.ForwardTo)
	if err != nil {
		log.WithError(err).Error("failed to dial forward destination")
		return
	}
	defer dst.Close()

	log.Info("forwarding matched flow")
	if err := relay.Forward(ctx, result.Conn, dst, log); err != nil {
		log.WithError(err).Debug("flow forwarding ended")
	}
}
