package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ipv4 zeroes last octet", "203.0.113.47", "203.0.113.0"},
		{"ipv4 already anonymous", "10.0.0.0", "10.0.0.0"},
		{"ipv6 keeps /48 prefix", "2001:db8:85a3::8a2e:370:7334", "2001:0db8:85a3::"},
		{"ipv4-mapped ipv6", "::ffff:203.0.113.47", "203.0.113.0"},
		{"empty", "", "unknown"},
		{"unknown passthrough", "unknown", "unknown"},
		{"garbage", "not-an-ip", "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnonymizeIP(tt.in))
		})
	}
}

func TestAnonymizeAddr(t *testing.T) {
	assert.Equal(t, "203.0.113.0", AnonymizeAddr("203.0.113.47:58190"))
	assert.Equal(t, "2001:0db8:85a3::", AnonymizeAddr("[2001:db8:85a3::8a2e:370:7334]:443"))
	assert.Equal(t, "203.0.113.0", AnonymizeAddr("203.0.113.47"), "bare host still anonymized")
	assert.Equal(t, "invalid", AnonymizeAddr("nonsense"))
}

func TestRedactNonce(t *testing.T) {
	assert.Equal(t, "a1b2c3d4...", RedactNonce("a1b2c3d4e5f60718293a4b5c6d7e8f90"))
	assert.Equal(t, "abc123", RedactNonce("abc123"), "short values pass through")
	assert.Equal(t, "", RedactNonce(""))
}
