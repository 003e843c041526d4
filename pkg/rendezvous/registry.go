package rendezvous

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrDuplicateService is returned by Advertise when the name is already
// registered.
var ErrDuplicateService = errors.New("rendezvous: service already advertised")

// Record is a single advertisement held by the Registry.
type Record struct {
	Service  string
	Peer     *net.UDPAddr
	LastSeen time.Time
}

// Registry is the rendezvous's service table: at most one Record per
// service name. It is written from the single matcher event loop but
// read from the optional stats endpoint, so it guards its map with a
// mutex even though the core matcher never runs it concurrently with
// itself (see pkg/rendezvous/server.go).
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Advertise inserts a new record for service, or returns
// ErrDuplicateService if one already exists.
func (r *Registry) Advertise(service string, peer *net.UDPAddr, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[service]; exists {
		return ErrDuplicateService
	}
	r.records[service] = &Record{Service: service, Peer: peer, LastSeen: now}
	return nil
}

// Match atomically removes and returns the record for service. The
// second return value is false if no such service was registered.
func (r *Registry) Match(service string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[service]
	if !exists {
		return Record{}, false
	}
	delete(r.records, service)
	return *rec, true
}

// RefreshBySource updates LastSeen for the record whose advertised peer
// address matches src, keying keep-alives by source endpoint since the
// KeepAlive message carries no service_id (see pkg/message.TagKeepAlive).
// Returns the service name refreshed, or "" if src matched nothing.
func (r *Registry) RefreshBySource(src *net.UDPAddr, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for service, rec := range r.records {
		if rec.Peer.IP.Equal(src.IP) && rec.Peer.Port == src.Port {
			rec.LastSeen = now
			return service
		}
	}
	return ""
}

// Sweep removes every record whose LastSeen is older than ttl and
// returns the service names evicted.
func (r *Registry) Sweep(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for service, rec := range r.records {
		if now.Sub(rec.LastSeen) > ttl {
			delete(r.records, service)
			evicted = append(evicted, service)
		}
	}
	return evicted
}

// Len returns the number of currently advertised services.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns a copy of every currently advertised record. It
// never returns the internal *Record pointers.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
