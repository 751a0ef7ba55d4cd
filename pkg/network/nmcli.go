package network

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/xam-io/kioskd/pkg/errors"
)

// DefaultCommandTimeout bounds a single nmcli invocation.
const DefaultCommandTimeout = 10 * time.Second

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// NMCLI implements Controller with NetworkManager's command line client.
type NMCLI struct {
	iface   string
	timeout time.Duration
	run     runner

	lastEnabled string
}

// NewNMCLI creates a controller. iface may be empty to let NetworkManager
// choose the wireless device.
func NewNMCLI(iface string) *NMCLI {
	return &NMCLI{iface: iface, timeout: DefaultCommandTimeout, run: execRunner}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (n *NMCLI) nmcli(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	out, err := n.run(ctx, "nmcli", args...)
	return strings.TrimSpace(string(out)), err
}

func (n *NMCLI) RadioEnabled() (bool, error) {
	out, err := n.nmcli("-t", "radio", "wifi")
	if err != nil {
		return false, errors.Wrap(err, "failed to query wifi radio")
	}
	return out == "enabled", nil
}

func (n *NMCLI) SetRadioEnabled(on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := n.nmcli("radio", "wifi", state)
	return errors.Wrap(err, "failed to switch wifi radio")
}

func (n *NMCLI) Profiles() ([]Profile, error) {
	out, err := n.nmcli("-t", "-f", "UUID,TYPE", "connection", "show")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}

	var profiles []Profile
	for _, line := range splitLines(out) {
		fields := splitTerse(line)
		if len(fields) < 2 || fields[1] != "802-11-wireless" {
			continue
		}
		ssid, err := n.nmcli("-t", "-g", "802-11-wireless.ssid", "connection", "show", "uuid", fields[0])
		if err != nil {
			slog.Warn("nmcli_profile_ssid_failed", "profile", fields[0], "error", err)
			continue
		}
		profiles = append(profiles, Profile{ID: fields[0], SSID: unescapeTerse(ssid)})
	}
	return profiles, nil
}

func (n *NMCLI) AddProfile(t Target) (string, error) {
	ifname := n.iface
	if ifname == "" {
		ifname = "*"
	}
	args := []string{"connection", "add", "type", "wifi", "con-name", t.SSID, "ifname", ifname, "ssid", t.SSID}
	if t.AuthMode == AuthWPAPSK {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", t.PSK)
	}
	if _, err := n.nmcli(args...); err != nil {
		return "", errors.Wrap(err, "failed to add connection")
	}

	id, err := n.nmcli("-t", "-g", "connection.uuid", "connection", "show", "id", t.SSID)
	if err != nil {
		return "", errors.Wrap(err, "failed to read connection uuid")
	}
	// several profiles may share the name; the newest is listed last
	lines := splitLines(id)
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}

func (n *NMCLI) EnableProfile(id string) error {
	if _, err := n.nmcli("connection", "modify", "uuid", id, "connection.autoconnect", "yes"); err != nil {
		return errors.Wrap(err, "failed to enable connection")
	}
	n.lastEnabled = id
	return nil
}

// Reconnect activates the last enabled profile without waiting for the
// activation to finish.
func (n *NMCLI) Reconnect() error {
	if n.lastEnabled != "" {
		_, err := n.nmcli("-w", "0", "connection", "up", "uuid", n.lastEnabled)
		return errors.Wrap(err, "failed to activate connection")
	}
	if n.iface != "" {
		_, err := n.nmcli("-w", "0", "device", "connect", n.iface)
		return errors.Wrap(err, "failed to connect device")
	}
	return fmt.Errorf("no profile enabled and no interface configured")
}

func (n *NMCLI) CurrentSSID() (string, error) {
	out, err := n.nmcli("-t", "-f", "ACTIVE,SSID", "device", "wifi", "list", "--rescan", "no")
	if err != nil {
		return "", errors.Wrap(err, "failed to query wifi association")
	}
	for _, line := range splitLines(out) {
		fields := splitTerse(line)
		if len(fields) >= 2 && fields[0] == "yes" {
			return fields[1], nil
		}
	}
	return "", nil
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// splitTerse splits one line of `nmcli -t` output. Colons inside values are
// escaped as `\:` and backslashes as `\\`.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

func unescapeTerse(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
