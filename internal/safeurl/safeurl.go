// Package safeurl validates externally supplied URLs before the worker
// fetches them, blocking server-side request forgery targets.
package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedHosts are rejected by name regardless of what they resolve to.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// lookupIP resolves both A and AAAA records. Overridable in tests.
var lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// Validate rejects any URL that is not plain HTTPS to a publicly
// routable address. Hostnames are resolved and every resolved address
// must be public; a host that cannot be resolved at all is rejected,
// never assumed safe.
func Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q: only https is allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if blockedHosts[host] {
		return fmt.Errorf("blocked host %q", host)
	}

	// Literal IP hosts are checked directly, without resolution.
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return err
		}
		return nil
	}

	ips, err := lookupIP(ctx, host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("cannot resolve host %q: rejected", host)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

// checkIP rejects loopback, private (RFC1918 and IPv6 ULA), link-local
// and unspecified addresses. IPv4-mapped IPv6 addresses are decoded to
// their IPv4 form first so ::ffff:10.0.0.1 is caught as 10.0.0.1.
func checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s", ip)
	}
	return nil
}
