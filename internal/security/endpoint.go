package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata"}

// sharedAddressSpace is carrier-grade NAT (RFC 6598), reachable inside some
// cloud VPCs.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL rejects user-supplied callback URLs that would make
// the server call into its own network. IP literals are checked directly;
// hostnames are resolved and every address is checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case a.IsPrivate(), sharedAddressSpace.Contains(a):
		return fmt.Errorf("private addresses are not allowed")
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case a.IsUnspecified(), a.IsMulticast():
		return fmt.Errorf("address %s is not allowed", a)
	}
	return nil
}
