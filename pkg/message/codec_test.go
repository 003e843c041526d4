package message

import (
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	addr, err := AddressFromUDP(&net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 51820})
	if err != nil {
		t.Fatalf("AddressFromUDP: %v", err)
	}

	cases := []Message{
		{Tag: TagAdvertise, ServiceID: []byte("demo")},
		{Tag: TagRequest, ServiceID: []byte("demo")},
		{Tag: TagOk},
		{Tag: TagError, Error: ErrorDuplicateKey},
		{Tag: TagError, Error: ErrorNoServer},
		{Tag: TagPunchRendezvous, Peer: addr},
		{Tag: TagStep1},
		{Tag: TagStep2},
		{Tag: TagStep3},
		{Tag: TagKeepAlive},
	}

	for _, want := range cases {
		buf, err := Encode(nil, want)
		if err != nil {
			t.Fatalf("Encode(%v): %v", want.Tag, err)
		}
		if len(buf) > MaxControlSize {
			t.Fatalf("Encode(%v): %d bytes exceeds MaxControlSize", want.Tag, len(buf))
		}

		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", want.Tag, err)
		}
		if got.Tag != want.Tag {
			t.Fatalf("Tag = %v, want %v", got.Tag, want.Tag)
		}
		if string(got.ServiceID) != string(want.ServiceID) {
			t.Errorf("ServiceID = %q, want %q", got.ServiceID, want.ServiceID)
		}
		if got.Error != want.Error {
			t.Errorf("Error = %v, want %v", got.Error, want.Error)
		}
		if got.Peer != want.Peer {
			t.Errorf("Peer = %+v, want %+v", got.Peer, want.Peer)
		}
	}
}

func TestEncodeAppendsToExistingSlice(t *testing.T) {
	t.Parallel()

	prefix := []byte{0xAA, 0xBB}
	buf, err := Encode(prefix, Message{Tag: TagOk})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Fatalf("Encode clobbered the prefix: %v", buf[:2])
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte{1, 0}); err == nil {
		t.Fatal("expected error decoding a 2-byte buffer")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte{0xFF, 0, 0}); err == nil {
		t.Fatal("expected error decoding an unknown tag")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	t.Parallel()

	// Declares a 5-byte Advertise payload but only supplies 2.
	buf := []byte{byte(TagAdvertise), 0, 5, 'h', 'i'}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding a truncated payload")
	}
}

func TestDecodeRejectsBadPayloadShapes(t *testing.T) {
	t.Parallel()

	// Ok must have an empty payload.
	buf := []byte{byte(TagOk), 0, 1, 'x'}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding Ok with a non-empty payload")
	}

	// Error must have exactly one payload byte.
	buf = []byte{byte(TagError), 0, 0}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding Error with an empty payload")
	}
}

func TestDecodeServiceIDIsZeroCopy(t *testing.T) {
	t.Parallel()

	buf, err := Encode(nil, Message{Tag: TagAdvertise, ServiceID: []byte("demo")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Mutating the source buffer must be visible through ServiceID.
	buf[3] = 'D'
	if got.ServiceID[0] != 'D' {
		t.Fatalf("ServiceID was copied, not a subslice of the source buffer")
	}
}

func TestAddressFromUDPRejectsIPv6(t *testing.T) {
	t.Parallel()

	_, err := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1})
	if err == nil {
		t.Fatal("expected error converting an IPv6 address")
	}
}
