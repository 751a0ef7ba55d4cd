package payload

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/xam-io/kioskd/pkg/errors"
)

// UnitManager is the part of the systemd D-Bus API the starter uses.
type UnitManager interface {
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
}

// SystemdStarter runs the payload entry point as a systemd unit. Start
// restarts the unit in "replace" mode so a stale instance is torn down and
// a fresh one becomes the only task.
type SystemdStarter struct {
	units   UnitManager
	timeout time.Duration
}

func NewSystemdStarter(units UnitManager) *SystemdStarter {
	return &SystemdStarter{units: units, timeout: 10 * time.Second}
}

func (s *SystemdStarter) Start(c Component) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// job completion is observed through Running on a later poll
	if _, err := s.units.RestartUnitContext(ctx, c.Entry, "replace", nil); err != nil {
		return errors.Wrapf(err, "failed to start %s", c.Entry)
	}
	return nil
}

func (s *SystemdStarter) Running(c Component) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	units, err := s.units.ListUnitsByNamesContext(ctx, []string{c.Entry})
	if err != nil {
		return false, errors.Wrapf(err, "failed to query %s", c.Entry)
	}
	for _, u := range units {
		if u.Name == c.Entry {
			return u.ActiveState == "active" || u.ActiveState == "activating", nil
		}
	}
	return false, nil
}
