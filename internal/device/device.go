// Package device holds the speaker model shared by discovery, control and
// the persisted cache.
package device

import (
	"net"
	"strings"
)

// Device is one networked speaker. Identity is the IP address; the UUID is
// only consulted to resolve group-coordinator redirects.
type Device struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	UUID string `json:"uuid"`
}

// ValidIP reports whether s is a syntactically valid IPv4 address.
// Control and discovery validate addresses before any I/O.
func ValidIP(s string) bool {
	ip := net.ParseIP(strings.TrimSpace(s))
	return ip != nil && ip.To4() != nil
}

// ByIP returns the device with the given IP, if present.
func ByIP(devices []Device, ip string) (Device, bool) {
	for _, d := range devices {
		if d.IP == ip {
			return d, true
		}
	}
	return Device{}, false
}

// ByPartialUUID returns the first device whose UUID contains fragment.
// Group coordinator redirects reference the leader by a UUID substring.
func ByPartialUUID(devices []Device, fragment string) (Device, bool) {
	if fragment == "" {
		return Device{}, false
	}
	for _, d := range devices {
		if strings.Contains(d.UUID, fragment) {
			return d, true
		}
	}
	return Device{}, false
}
