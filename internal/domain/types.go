package domain

import (
	"fmt"
)

// Verdict represents the outcome of a single health check request.
type Verdict int

const (
	// VerdictDown indicates the backend must not receive traffic. It is the
	// zero value: every failure path collapses to Down by construction.
	VerdictDown Verdict = iota
	// VerdictUp indicates the backend reported itself as serving.
	VerdictUp
	// VerdictMaintenance is reserved for administratively drained backends.
	// No current code path produces it, but the protocol can carry it.
	VerdictMaintenance
)

// String returns the wire token for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictUp:
		return "up"
	case VerdictDown:
		return "down"
	case VerdictMaintenance:
		return "maint"
	default:
		return "down"
	}
}

// CheckRequest describes one health check requested by HAProxy.
// Instances are immutable and only constructed through NewCheckRequest,
// which is the single validation gate: a CheckRequest that exists carries
// a non-empty host, a port in [1,65535] and a non-empty authority.
type CheckRequest struct {
	BackendHost   string
	BackendPort   int
	Secure        bool
	AuthorityHost string
}

// NewCheckRequest validates the fields and constructs a CheckRequest.
func NewCheckRequest(host string, port int, secure bool, authority string) (CheckRequest, error) {
	if host == "" {
		return CheckRequest{}, fmt.Errorf("backend host must not be empty")
	}
	if port < 1 || port > 65535 {
		return CheckRequest{}, fmt.Errorf("backend port %d out of range [1,65535]", port)
	}
	if authority == "" {
		return CheckRequest{}, fmt.Errorf("authority host must not be empty")
	}
	return CheckRequest{
		BackendHost:   host,
		BackendPort:   port,
		Secure:        secure,
		AuthorityHost: authority,
	}, nil
}

// ChannelKey identifies a reusable backend transport. Two requests with the
// same key share a cached channel; the authority is deliberately excluded
// because it is presented per call, not baked into the connection.
type ChannelKey struct {
	Host   string
	Port   int
	Secure bool
}

// KeyFor derives the transport identity of a request.
func KeyFor(req CheckRequest) ChannelKey {
	return ChannelKey{
		Host:   req.BackendHost,
		Port:   req.BackendPort,
		Secure: req.Secure,
	}
}

// Addr returns the dial target for the key in host:port form.
func (k ChannelKey) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// String returns a log-friendly representation of the key.
func (k ChannelKey) String() string {
	scheme := "plaintext"
	if k.Secure {
		scheme = "tls"
	}
	return fmt.Sprintf("%s:%d/%s", k.Host, k.Port, scheme)
}
