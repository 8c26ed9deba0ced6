package validate

import (
	"net"
	"net/url"
	"strings"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// ScreenWebhookURL rejects webhook targets that would let a job reach back
// into the operator's private network: loopback, RFC1918/ULA ranges, and
// bare ".local" hostnames. It is deliberately conservative — a DNS lookup
// that returns a private address for an otherwise public-looking hostname
// is still rejected.
func ScreenWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return mediaerr.Validation("webhook_url", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return mediaerr.Security("webhook_url", "only http/https webhook URLs are allowed")
	}
	host := u.Hostname()
	if host == "" {
		return mediaerr.Validation("webhook_url", "missing host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return mediaerr.Security("webhook_url", "webhook URL targets a local-only host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Host didn't resolve to a literal IP we can screen; if it
		// parses directly as an IP, fall through to the IP check below.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil
		}
	}
	for _, ip := range ips {
		if isPrivateOrLoopback(ip) {
			return mediaerr.Security("webhook_url", "webhook URL resolves to a private or loopback address")
		}
	}
	return nil
}

func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
