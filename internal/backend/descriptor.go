// ABOUTME: Parses backend and listen address descriptors such as unix:///path
// ABOUTME: Supports unix sockets and TCP, on the local network or the tailnet

package backend

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidDescriptor indicates a descriptor that cannot be parsed.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Scheme is the transport of a descriptor.
type Scheme string

const (
	SchemeUnix    Scheme = "unix"
	SchemeTCP     Scheme = "tcp"
	SchemeTailnet Scheme = "tailnet"
)

// Descriptor names one agent endpoint.
type Descriptor struct {
	Scheme  Scheme
	Address string // socket path or host:port
}

// ParseDescriptor parses s. A bare absolute path is a unix socket.
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{}, fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}

	if strings.HasPrefix(s, "/") {
		return Descriptor{Scheme: SchemeUnix, Address: s}, nil
	}

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidDescriptor, s)
	}
	rest = strings.TrimPrefix(rest, "//")
	if rest == "" {
		return Descriptor{}, fmt.Errorf("%w: %q has no address", ErrInvalidDescriptor, s)
	}

	switch Scheme(scheme) {
	case SchemeUnix:
		return Descriptor{Scheme: SchemeUnix, Address: rest}, nil
	case SchemeTCP, SchemeTailnet:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Descriptor{}, fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor, s, err)
		}
		return Descriptor{Scheme: Scheme(scheme), Address: rest}, nil
	case "pipe", "npipe":
		return Descriptor{}, fmt.Errorf("%w: %q: windows named pipes are not supported", ErrInvalidDescriptor, s)
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidDescriptor, scheme)
	}
}

// ParseDescriptors parses every entry of list, stopping at the first failure.
func ParseDescriptors(list []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(list))
	for i, s := range list {
		d, err := ParseDescriptor(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Network returns the net package network name for the descriptor.
func (d Descriptor) Network() string {
	if d.Scheme == SchemeUnix {
		return "unix"
	}
	return "tcp"
}

// String renders the descriptor so that ParseDescriptor accepts it again.
func (d Descriptor) String() string {
	return string(d.Scheme) + "://" + d.Address
}
