package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownClient is used when the peer address cannot be parsed. Such
// requests share one rate limit bucket.
const unknownClient = "0.0.0.0"

// ClientIP resolves the address that rate limits and logs key on.
//
// trustedHops is the number of proxies in front of the server: 0 ignores
// X-Forwarded-For, 1 takes its last entry (a single load balancer), 2 the
// one before that, and so on. Forwarding headers are only honored from a
// private peer; otherwise they are removed from the request so nothing
// downstream reads them.
func ClientIP(trustedHops int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClient(r, trustedHops)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
		})
	}
}

// ClientIPFromContext returns the address stored by ClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func resolveClient(r *http.Request, hops int) string {
	peer, err := netip.ParseAddr(hostOnly(r.RemoteAddr))
	if err != nil {
		dropForwarded(r.Header)
		return unknownClient
	}
	peer = peer.Unmap()
	if hops <= 0 || !peer.IsPrivate() {
		dropForwarded(r.Header)
		return peer.String()
	}

	xff := strings.Join(r.Header.Values("X-Forwarded-For"), ",")
	if xff == "" {
		return peer.String()
	}
	entries := strings.Split(xff, ",")
	i := len(entries) - hops
	if i < 0 {
		// fewer entries than proxies, the chain is not what we expect
		dropForwarded(r.Header)
		return peer.String()
	}
	client, err := netip.ParseAddr(strings.TrimSpace(entries[i]))
	if err != nil {
		return peer.String()
	}
	return client.Unmap().String()
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
