// Package message implements the wire codec for the rendezvous/punch
// control protocol: a tagged union of fixed-shape messages carried one
// per UDP datagram.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies which variant of the control protocol a Message carries.
type Tag byte

const (
	TagAdvertise Tag = iota + 1
	TagRequest
	TagOk
	TagError
	TagPunchRendezvous
	TagStep1
	TagStep2
	TagStep3
	TagKeepAlive
)

func (t Tag) String() string {
	switch t {
	case TagAdvertise:
		return "Advertise"
	case TagRequest:
		return "Request"
	case TagOk:
		return "Ok"
	case TagError:
		return "Error"
	case TagPunchRendezvous:
		return "Punch.Rendezvous"
	case TagStep1:
		return "Punch.Step1"
	case TagStep2:
		return "Punch.Step2"
	case TagStep3:
		return "Punch.Step3"
	case TagKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// ErrorKind is the payload of a TagError message.
type ErrorKind byte

const (
	ErrorDuplicateKey ErrorKind = iota
	ErrorNoServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorDuplicateKey:
		return "DuplicateKey"
	case ErrorNoServer:
		return "NoServer"
	default:
		return fmt.Sprintf("ErrorKind(%d)", byte(k))
	}
}

// Control-plane datagrams fit in this many bytes. The rendezvous drops
// anything larger without decoding; handshake peers read into a buffer
// of this size, so a larger datagram arrives truncated and fails to
// decode.
const MaxControlSize = 128

// ForwardBufferSize is the buffer used for opaque forwarded payloads,
// which are never passed through this codec.
const ForwardBufferSize = 4096

// addressLen is the encoded size of an IPv4 address + port pair.
const addressLen = 4 + 2

// ErrShortBuffer is returned when a datagram is shorter than the 3-byte
// header or its payload length differs from the declared length.
var ErrShortBuffer = errors.New("message: buffer shorter than declared length")

// ErrUnknownTag is returned when the leading tag byte isn't recognized.
var ErrUnknownTag = errors.New("message: unknown tag")

// ErrBadPayload is returned when a variant's payload has the wrong shape.
var ErrBadPayload = errors.New("message: malformed payload for tag")

// PeerAddress is the wire shape of an IPv4 endpoint: 4 address bytes
// followed by a big-endian port. It mirrors net.UDPAddr as a fixed-size
// comparable value; addr.go converts between the two.
type PeerAddress struct {
	IP   [4]byte
	Port uint16
}

// Message is a flat tagged union of every control-protocol variant.
// Only the fields relevant to Tag are populated; this mirrors the
// single-struct-with-a-type-tag shape used throughout this codebase's
// ancestry for wire packets, rather than a Go interface per variant,
// so encode/decode switch on Tag instead of type-switching over
// concrete types.
type Message struct {
	Tag       Tag
	ServiceID []byte // Advertise, Request — not copied on Decode
	Error     ErrorKind
	Peer      PeerAddress
}

// Encode appends the wire representation of m to dst and returns the
// extended slice. dst may be nil.
func Encode(dst []byte, m Message) ([]byte, error) {
	var payload []byte
	switch m.Tag {
	case TagAdvertise, TagRequest:
		payload = m.ServiceID
	case TagOk, TagStep1, TagStep2, TagStep3, TagKeepAlive:
		payload = nil
	case TagError:
		payload = []byte{byte(m.Error)}
	case TagPunchRendezvous:
		payload = make([]byte, addressLen)
		copy(payload[0:4], m.Peer.IP[:])
		binary.BigEndian.PutUint16(payload[4:6], m.Peer.Port)
	default:
		return nil, fmt.Errorf("message: encode: %w: %d", ErrUnknownTag, byte(m.Tag))
	}

	if len(payload) > MaxControlSize-3 {
		return nil, fmt.Errorf("message: encode: payload of %d bytes exceeds control size", len(payload))
	}

	dst = append(dst, byte(m.Tag))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// Decode parses a single datagram. The returned Message's ServiceID, if
// any, is a subslice of data — callers that retain it across the next
// receive into the same buffer must copy it first.
func Decode(data []byte) (Message, error) {
	if len(data) < 3 {
		return Message{}, fmt.Errorf("message: decode: %w", ErrShortBuffer)
	}

	tag := Tag(data[0])
	declared := binary.BigEndian.Uint16(data[1:3])
	payload := data[3:]
	if int(declared) != len(payload) {
		return Message{}, fmt.Errorf("message: decode: %w: declared %d, got %d", ErrShortBuffer, declared, len(payload))
	}

	m := Message{Tag: tag}
	switch tag {
	case TagAdvertise, TagRequest:
		m.ServiceID = payload
	case TagOk, TagStep1, TagStep2, TagStep3, TagKeepAlive:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("message: decode %s: %w", tag, ErrBadPayload)
		}
	case TagError:
		if len(payload) != 1 {
			return Message{}, fmt.Errorf("message: decode Error: %w", ErrBadPayload)
		}
		m.Error = ErrorKind(payload[0])
	case TagPunchRendezvous:
		if len(payload) != addressLen {
			return Message{}, fmt.Errorf("message: decode Punch.Rendezvous: %w", ErrBadPayload)
		}
		copy(m.Peer.IP[:], payload[0:4])
		m.Peer.Port = binary.BigEndian.Uint16(payload[4:6])
	default:
		return Message{}, fmt.Errorf("message: decode: %w: %d", ErrUnknownTag, byte(tag))
	}

	return m, nil
}
