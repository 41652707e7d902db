package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequestInfo carries the request-derived fields of an Event.
type RequestInfo struct {
	IP        string
	UserAgent string
	UserID    string
	ClientID  string
}

type requestInfoKey struct{}

// WithRequestInfo stores info in ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the info stored by WithRequestInfo, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Apply fills the empty request fields of ev from info.
func (info RequestInfo) Apply(ev *Event) {
	if ev.IP == "" {
		ev.IP = info.IP
	}
	if ev.UserAgent == "" {
		ev.UserAgent = info.UserAgent
	}
	if ev.UserID == "" {
		ev.UserID = info.UserID
	}
	if ev.ClientID == "" {
		ev.ClientID = info.ClientID
	}
}

// Proxies lists the networks of reverse proxies whose X-Forwarded-For
// header is believed. The zero value trusts no one.
type Proxies []netip.Prefix

// ParseProxies accepts CIDRs ("10.0.0.0/8") and bare addresses.
func ParseProxies(specs []string) (Proxies, error) {
	var out Proxies
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", spec, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", spec, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (p Proxies) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, pfx := range p {
		if pfx.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the peer, unless the peer is a trusted
// proxy: then X-Forwarded-For is walked from the right and the first hop
// that is not itself a trusted proxy wins. Hops a client could have forged
// (left of the first untrusted one) are never used.
func (p Proxies) ClientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if len(p) == 0 || !p.trusts(ip) {
		return ip
	}
	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(h, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !p.trusts(hops[i]) {
			return hops[i]
		}
	}
	return ip
}

// FromHTTPRequest extracts client address, user agent and token identity.
//
// Bearer tokens are decoded without signature verification: the claims are
// used for attribution in the audit trail only, never for access decisions.
func (p Proxies) FromHTTPRequest(r *http.Request) RequestInfo {
	info := RequestInfo{
		IP:        p.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		info.UserID, info.ClientID = tokenIdentity(strings.TrimSpace(raw))
	}
	return info
}

// Middleware attaches the RequestInfo of each request to its context.
func (p Proxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequestInfo(r.Context(), p.FromHTTPRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP is the peer address, ignoring forwarding headers.
func ClientIP(r *http.Request) string { return Proxies(nil).ClientIP(r) }

// FromHTTPRequest is Proxies.FromHTTPRequest with no trusted proxies.
func FromHTTPRequest(r *http.Request) RequestInfo { return Proxies(nil).FromHTTPRequest(r) }

// Middleware is Proxies.Middleware with no trusted proxies.
func Middleware(next http.Handler) http.Handler { return Proxies(nil).Middleware(next) }

func tokenIdentity(raw string) (userID, clientID string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", ""
	}
	userID, _ = claims.GetSubject()
	if cid, ok := claims["client_id"].(string); ok {
		clientID = cid
	} else if azp, ok := claims["azp"].(string); ok {
		clientID = azp
	}
	return userID, clientID
}
