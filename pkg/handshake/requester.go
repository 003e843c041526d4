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

// RunRequester opens a fresh ephemeral socket, requests cfg.Service
// from the rendezvous, waits cfg.PunchWait for the exposer's Step1
// datagrams to have opened its NAT mapping, then punches through by
// sending Step2 until it sees Step3. It returns a socket connect-bound
// to the exposer's public endpoint. Each call gets its own socket
// (mirroring RunExposer) rather than sharing one across flows: the
// punched socket is handed off as the flow's dedicated peer endpoint,
// and only an outer, separately-bound listener socket is shared
// between flows for local client traffic (see pkg/session). Cancelling
// ctx aborts any of the wait loops.
func RunRequester(ctx context.Context, cfg Config, log *logrus.Entry) (*Result, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("role", "requester").WithField("service", cfg.Service)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("handshake: open requester socket: %w", err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			conn.Close()
		}
	}()

	log.Info("requesting service from rendezvous")
	reply, err := registerAndAwaitReply(ctx, conn, cfg, message.Message{Tag: message.TagRequest, ServiceID: []byte(cfg.Service)},
		func(kind message.ErrorKind) error {
			if kind == message.ErrorNoServer {
				return nil // retryable: a server may advertise moments later
			}
			return nil
		}, log)
	if err != nil {
		return nil, err
	}
	if reply.Tag != message.TagPunchRendezvous {
		return nil, fmt.Errorf("%w: got %v awaiting rendezvous match", ErrUnexpectedVariant, reply.Tag)
	}

	peer := reply.Peer.UDPAddr()
	log = log.WithField("peer", peer)
	log.WithField("wait", cfg.PunchWait).Debug("waiting before first punch attempt")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.PunchWait):
	}

	pc := NewPeerConn(conn, peer)
	if err := requesterPunch(ctx, pc, cfg, log); err != nil {
		return nil, err
	}

	pconn, err := connectPunched(conn, peer)
	if err != nil {
		return nil, err
	}

	closeOnErr = false
	return &Result{Conn: pconn, Peer: peer}, nil
}

// requesterPunch sends Step2 until the exposer confirms with Step3.
// A Step1 arriving in the meantime means the exposer hasn't seen our
// Step2 yet; it is not an error, just a reason to keep retransmitting.
func requesterPunch(ctx context.Context, pc *PeerConn, cfg Config, log *logrus.Entry) error {
	step2, err := message.Encode(nil, message.Message{Tag: message.TagStep2})
	if err != nil {
		return fmt.Errorf("handshake: encode step2: %w", err)
	}

	deadline := time.Now().Add(cfg.StepTimeout)
	buf := make([]byte, message.MaxControlSize)

	if _, err := pc.Write(step2); err != nil {
		return fmt.Errorf("handshake: send step2: %w", err)
	}

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := pc.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if _, err := pc.Write(step2); err != nil {
					return fmt.Errorf("handshake: resend step2: %w", err)
				}
				continue
			}
			return fmt.Errorf("handshake: read during punch: %w", err)
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			log.WithError(err).Debug("dropping undecodable datagram during punch")
			continue
		}

		switch msg.Tag {
		case message.TagStep3:
			return nil
		case message.TagStep1:
			if _, err := pc.Write(step2); err != nil {
				return fmt.Errorf("handshake: resend step2: %w", err)
			}
			continue
		default:
			return fmt.Errorf("%w: got %v during punch", ErrUnexpectedVariant, msg.Tag)
		}
	}

	return ErrHandshakeTimeout
}
