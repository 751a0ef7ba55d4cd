// Package network joins the device to a named wireless network.
package network

import "strings"

// AuthMode is the key management used by a network profile.
type AuthMode int

const (
	AuthOpen AuthMode = iota
	AuthWPAPSK
)

func (m AuthMode) String() string {
	if m == AuthWPAPSK {
		return "wpa-psk"
	}
	return "open"
}

// Target is the network the kiosk must be associated with.
type Target struct {
	SSID     string
	AuthMode AuthMode
	PSK      string
}

// NewTarget returns an open target, or a WPA-PSK one when psk is set.
func NewTarget(ssid, psk string) Target {
	t := Target{SSID: ssid, AuthMode: AuthOpen}
	if psk != "" {
		t.AuthMode = AuthWPAPSK
		t.PSK = psk
	}
	return t
}

// Matches reports whether current names the same network. Only the SSID is
// compared; platforms that report SSIDs in double quotes are accepted.
func (t Target) Matches(current string) bool {
	return current != "" && unquote(current) == t.SSID
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
