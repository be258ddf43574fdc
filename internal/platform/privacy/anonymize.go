// Package privacy keeps identifying values out of log streams. Nonces
// and client addresses appear in logs only in truncated form; the audit
// store is the one place full values are recorded.
package privacy

import (
	"fmt"
	"net"
)

// AnonymizeIP truncates an IP address to remove the host-identifying
// portion.
//
// IPv4 addresses lose the last octet ("203.0.113.47" -> "203.0.113.0"),
// masking to a /24 network. IPv6 addresses keep only the /48 prefix.
//
// Returns "invalid" for unparseable addresses and "unknown" for empty
// strings.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	// IPv6 is 16 bytes; the /48 prefix is the first 6.
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::",
		parsed[0], parsed[1],
		parsed[2], parsed[3],
		parsed[4], parsed[5])
}

// AnonymizeAddr anonymizes the host part of a host:port address, as
// found in http.Request.RemoteAddr.
func AnonymizeAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return AnonymizeIP(addr)
	}
	return AnonymizeIP(host)
}

// RedactNonce shortens a nonce to a log-safe prefix. Eight hex
// characters are enough to correlate entries within a log stream without
// disclosing the credential itself.
func RedactNonce(nonce string) string {
	if len(nonce) <= 8 {
		return nonce
	}
	return nonce[:8] + "..."
}
