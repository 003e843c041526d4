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

// RunExposer advertises cfg.Service on the rendezvous over a fresh
// ephemeral socket, waits for a matching request, then punches a hole
// to the requester by sending Step1, waiting for Step2, and confirming
// with Step3. It returns a socket connect-bound to the requester's
// public endpoint. Cancelling ctx aborts any of the wait loops.
func RunExposer(ctx context.Context, cfg Config, log *logrus.Entry) (*Result, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("role", "exposer").WithField("service", cfg.Service)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("handshake: open exposer socket: %w", err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			conn.Close()
		}
	}()

	log.Info("advertising service on rendezvous")
	reply, err := registerAndAwaitReply(ctx, conn, cfg, message.Message{Tag: message.TagAdvertise, ServiceID: []byte(cfg.Service)},
		func(kind message.ErrorKind) error {
			if kind == message.ErrorDuplicateKey {
				return ErrDuplicateKey
			}
			return nil // any other error kind: treat as transient noise, keep retrying
		}, log)
	if err != nil {
		return nil, err
	}

	var peer *net.UDPAddr
	if reply.Tag == message.TagPunchRendezvous {
		// The Ok was lost and a requester matched during a retry; the
		// registration reply already carries the peer.
		peer = reply.Peer.UDPAddr()
	} else {
		peer, err = awaitPunchNotice(ctx, conn, cfg, log)
		if err != nil {
			return nil, err
		}
	}

	log = log.WithField("peer", peer)
	log.Info("matched with requester, starting punch")

	pc := NewPeerConn(conn, peer)
	if err := exposerPunch(ctx, pc, cfg, log); err != nil {
		return nil, err
	}

	pconn, err := connectPunched(conn, peer)
	if err != nil {
		return nil, err
	}

	closeOnErr = false
	return &Result{Conn: pconn, Peer: peer}, nil
}

// awaitPunchNotice parks the exposer's socket, sending a KeepAlive
// every cfg.KeepAliveInterval and checking for the rendezvous's
// PunchRendezvous notice, until a requester is matched or ctx is
// cancelled.
func awaitPunchNotice(ctx context.Context, conn *net.UDPConn, cfg Config, log *logrus.Entry) (*net.UDPAddr, error) {
	keepAlive, err := message.Encode(nil, message.Message{Tag: message.TagKeepAlive})
	if err != nil {
		return nil, fmt.Errorf("handshake: encode keep-alive: %w", err)
	}

	buf := make([]byte, message.MaxControlSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := conn.WriteToUDP(keepAlive, cfg.RendezvousAddr); err != nil {
			return nil, fmt.Errorf("handshake: send keep-alive: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(cfg.KeepAliveInterval))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("handshake: read while waiting for match: %w", err)
		}
		if !from.IP.Equal(cfg.RendezvousAddr.IP) || from.Port != cfg.RendezvousAddr.Port {
			continue
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			log.WithError(err).Debug("dropping undecodable datagram while waiting for match")
			continue
		}
		if msg.Tag != message.TagPunchRendezvous {
			continue
		}
		return msg.Peer.UDPAddr(), nil
	}
}

// exposerPunch sends Step1 until Step2 arrives from the peer, then
// sends Step3 to confirm. Each side's NAT opens a mapping the moment it
// sends its first datagram to the peer's public address; the exchange
// exists to detect when both mappings are open.
func exposerPunch(ctx context.Context, pc *PeerConn, cfg Config, log *logrus.Entry) error {
	step1, err := message.Encode(nil, message.Message{Tag: message.TagStep1})
	if err != nil {
		return fmt.Errorf("handshake: encode step1: %w", err)
	}
	step3, err := message.Encode(nil, message.Message{Tag: message.TagStep3})
	if err != nil {
		return fmt.Errorf("handshake: encode step3: %w", err)
	}

	deadline := time.Now().Add(cfg.StepTimeout)
	buf := make([]byte, message.MaxControlSize)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := pc.Write(step1); err != nil {
			return fmt.Errorf("handshake: send step1: %w", err)
		}

		pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := pc.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("handshake: read during punch: %w", err)
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			log.WithError(err).Debug("dropping undecodable datagram during punch")
			continue
		}
		if msg.Tag != message.TagStep2 {
			continue
		}

		if _, err := pc.Write(step3); err != nil {
			return fmt.Errorf("handshake: send step3: %w", err)
		}
		return nil
	}

	return ErrHandshakeTimeout
}
