package transcribe

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// ErrSSRFBlocked is returned when a candidate audio URL resolves to an
// address the SSRF policy forbids.
type ErrSSRFBlocked struct {
	Host string
	IP   net.IP
}

func (e *ErrSSRFBlocked) Error() string {
	return fmt.Sprintf("transcribe: url host %s resolves to disallowed address %s", e.Host, e.IP)
}

// 224.0.0.0/24 (mDNS/service discovery) is rejected through
// net.IP.IsLinkLocalMulticast, which also matches ff02::/16; other
// multicast ranges are not rejected.

// ValidateAudioURL resolves url's host and rejects it if any resolved
// address is loopback, private (RFC1918), link-local unicast or
// multicast, or in the cloud metadata block 169.254.0.0/16. Uses only
// net/url + net.DefaultResolver (DESIGN.md records why this stays on the
// standard library).
func ValidateAudioURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("transcribe: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("transcribe: unsupported url scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("transcribe: url has no host")
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("transcribe: resolve host %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("transcribe: host %s resolved to no addresses", host)
	}

	metadataBlock := &net.IPNet{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}
	for _, addr := range addrs {
		ip := addr.IP
		switch {
		case ip.IsLoopback(),
			ip.IsPrivate(),
			ip.IsLinkLocalUnicast(),
			ip.IsLinkLocalMulticast(),
			ip.IsUnspecified(),
			metadataBlock.Contains(ip):
			return &ErrSSRFBlocked{Host: host, IP: ip}
		}
	}
	return nil
}
