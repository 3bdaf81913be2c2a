package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrUnsafeEndpoint is wrapped by every ValidateEndpointURL rejection.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

// Ranges that are not covered by the netip Is* predicates but still reach
// infrastructure rather than the public internet.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),  // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
	netip.MustParsePrefix("64:ff9b::/96"),  // NAT64, may embed a private v4
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
}

// lookupHost resolves a hostname; replaced in tests.
var lookupHost = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ValidateEndpointURL checks that an operator-configured outbound endpoint
// (the notification webhook, the KYC provider) cannot be pointed at the
// service's own network. IP literals are checked directly; hostnames are
// resolved and every address must be public. Webhook bodies carry payment
// details, so production passes requireHTTPS.
func ValidateEndpointURL(rawURL string, requireHTTPS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return fmt.Errorf("%w: URL scheme must be http or https", ErrUnsafeEndpoint)
	case requireHTTPS && u.Scheme != "https":
		return fmt.Errorf("%w: URL scheme must be https", ErrUnsafeEndpoint)
	case u.Hostname() == "":
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	case u.User != nil:
		return fmt.Errorf("%w: credentials belong in the signing secret, not the URL", ErrUnsafeEndpoint)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: URL host %q is not allowed", ErrUnsafeEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := lookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve URL host %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("URL host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate():
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	case addr.IsMulticast():
		kind = "multicast"
	}
	for _, p := range blockedPrefixes {
		if kind == "" && p.Contains(addr) {
			kind = "reserved"
		}
	}
	if kind != "" {
		return fmt.Errorf("%w: %s addresses are not allowed", ErrUnsafeEndpoint, kind)
	}
	return nil
}
