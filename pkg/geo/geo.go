// Package geo resolves client IP addresses to a coarse location.
//
// Lookups are best effort: callers treat a nil Location the same as an error
// and never fail the surrounding operation because of it.
package geo

import (
	"context"
	"net/netip"
)

// Location is the resolved country and city of an address. Either may be empty.
type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// Empty reports whether neither field is set.
func (l *Location) Empty() bool {
	return l == nil || (l.Country == "" && l.City == "")
}

// Resolver looks up an IP address. A nil Location with a nil error means the
// address is unknown.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// Routable reports whether ip is a public unicast address worth resolving.
func Routable(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// Static resolves from a fixed table. Useful offline and in tests.
type Static map[string]Location

func (s Static) Lookup(_ context.Context, ip string) (*Location, error) {
	loc, ok := s[ip]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}
