// Package readiness answers point-in-time questions about boot readiness
// (user unlocked, storage mounted) and gates provisioning on them.
package readiness

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// Probe is a stateless set of readiness queries.
type Probe interface {
	// UserUnlocked reports whether the active user profile is unlocked.
	UserUnlocked() (bool, error)
	// StorageReady reports whether at least one readable public storage
	// volume exists.
	StorageReady() (bool, error)
}

// LinuxProbe implements Probe against a systemd-logind host.
type LinuxProbe struct {
	// RuntimeDir is created by logind once the kiosk user's session is
	// unlocked, e.g. /run/user/1000.
	RuntimeDir string
	// StorageRoot is probed directly first.
	StorageRoot string
	// VolumePrefixes bounds the mount table search, e.g. /media, /run/media.
	VolumePrefixes []string

	// mounts is swapped in tests.
	mounts func(prefix string) ([]string, error)
}

// NewLinuxProbe creates a probe for the given runtime dir and storage root.
func NewLinuxProbe(runtimeDir, storageRoot string, volumePrefixes []string) *LinuxProbe {
	return &LinuxProbe{
		RuntimeDir:     runtimeDir,
		StorageRoot:    storageRoot,
		VolumePrefixes: volumePrefixes,
		mounts:         mountpoints,
	}
}

// UserUnlocked reports whether the session runtime directory is present.
func (p *LinuxProbe) UserUnlocked() (bool, error) {
	if p.RuntimeDir == "" {
		return true, nil
	}
	fi, err := os.Stat(p.RuntimeDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat runtime dir: %w", err)
	}
	return fi.IsDir(), nil
}

// StorageReady checks the storage root directly and, failing that, looks
// for any readable mounted volume under the configured prefixes. Either
// one satisfies the condition.
func (p *LinuxProbe) StorageReady() (bool, error) {
	if p.StorageRoot != "" && readableDir(p.StorageRoot) {
		return true, nil
	}

	list := p.mounts
	if list == nil {
		list = mountpoints
	}

	var firstErr error
	for _, prefix := range p.VolumePrefixes {
		points, err := list(prefix)
		if err != nil {
			slog.Warn("volume_enumeration_failed", "prefix", prefix, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, mp := range points {
			if strings.TrimRight(mp, "/") == strings.TrimRight(prefix, "/") {
				continue
			}
			if readableDir(mp) {
				return true, nil
			}
		}
	}
	return false, firstErr
}

func mountpoints(prefix string) ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(prefix))
	if err != nil {
		return nil, err
	}
	points := make([]string, 0, len(infos))
	for _, info := range infos {
		points = append(points, info.Mountpoint)
	}
	return points, nil
}

func readableDir(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	fi, err := f.Stat()
	return err == nil && fi.IsDir()
}
