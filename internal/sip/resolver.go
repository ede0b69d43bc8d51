package sip

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrTransportUnavailable is returned when no listening point is bound for a
// requested transport. The registration attempt for that gateway is aborted;
// the next pass retries.
var ErrTransportUnavailable = errors.New("no listening point for transport")

// ListeningPoint is a (transport, IP, port) triple bound by the SIP stack.
type ListeningPoint struct {
	Transport string
	IP        string
	Port      int
}

// AddressResolver resolves the local contact address to advertise for a given
// transport. NAT-discovered received/rport values take precedence, then a
// configured external address, then the listening point's bound address.
type AddressResolver struct {
	externAddr string

	mu     sync.RWMutex
	points map[string]ListeningPoint // keyed by upper-case transport
}

// NewAddressResolver creates a resolver with an optional external address
// override (empty string disables the override).
func NewAddressResolver(externAddr string) *AddressResolver {
	return &AddressResolver{
		externAddr: externAddr,
		points:     make(map[string]ListeningPoint),
	}
}

// AddListeningPoint registers a bound listening point for its transport.
func (r *AddressResolver) AddListeningPoint(lp ListeningPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[strings.ToUpper(lp.Transport)] = lp
}

// ListeningPoint returns the listening point bound for a transport.
func (r *AddressResolver) ListeningPoint(transport string) (ListeningPoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.points[strings.ToUpper(transport)]
	return lp, ok
}

// Resolve returns the (host, port) to advertise in Contact and Via for a
// transport. received and rport are the RFC 3581 NAT-discovered overrides;
// pass "" and 0 when unknown.
func (r *AddressResolver) Resolve(transport, received string, rport int) (string, int, error) {
	lp, ok := r.ListeningPoint(transport)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrTransportUnavailable, transport)
	}

	host := lp.IP
	if received != "" {
		host = received
	} else if r.externAddr != "" {
		host = r.externAddr
	}

	port := lp.Port
	if rport > 0 {
		port = rport
	}

	return host, port, nil
}
