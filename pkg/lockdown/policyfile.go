package lockdown

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/xam-io/kioskd/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Policy is the persisted device policy read by the session shell and the
// USB gadget configuration.
type Policy struct {
	PreferredHome    string    `yaml:"preferred_home,omitempty"`
	LockTaskPackages []string  `yaml:"lock_task_packages,omitempty"`
	Restrictions     []string  `yaml:"restrictions,omitempty"`
	LockTask         bool      `yaml:"lock_task"`
	UpdatedAt        time.Time `yaml:"updated_at"`
}

// Restricted reports whether the named restriction is in force.
func (p *Policy) Restricted(name string) bool {
	return slices.Contains(p.Restrictions, name)
}

// LoadPolicy reads the policy file. A missing file is an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Policy{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read policy file")
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse policy file")
	}
	return &p, nil
}

// Isolator switches systemd to a target, stopping everything it does not
// pull in.
type Isolator interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
}

// FileSurface implements PolicySurface with a YAML policy file. Exclusive
// mode isolates the lock target so only the kiosk session and the payload
// keep running.
type FileSurface struct {
	path       string
	lockTarget string
	units      Isolator

	// owner reports device-owner authority; root by default.
	owner func() bool

	mu sync.Mutex
}

// NewFileSurface creates a surface writing to path. units may be nil, in
// which case EnterLockTask only records the mode.
func NewFileSurface(path, lockTarget string, units Isolator) *FileSurface {
	return &FileSurface{
		path:       path,
		lockTarget: lockTarget,
		units:      units,
		owner:      func() bool { return os.Geteuid() == 0 },
	}
}

func (s *FileSurface) IsOwner() bool {
	return s.owner()
}

func (s *FileSurface) SetPreferredHome(pkg string) error {
	return s.update(func(p *Policy) { p.PreferredHome = pkg })
}

func (s *FileSurface) SetLockTaskPackages(pkgs []string) error {
	return s.update(func(p *Policy) { p.LockTaskPackages = slices.Clone(pkgs) })
}

func (s *FileSurface) AddRestriction(name string) error {
	return s.update(func(p *Policy) {
		if !p.Restricted(name) {
			p.Restrictions = append(p.Restrictions, name)
		}
	})
}

func (s *FileSurface) EnterLockTask() error {
	if err := s.update(func(p *Policy) { p.LockTask = true }); err != nil {
		return err
	}
	if s.units == nil || s.lockTarget == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.units.StartUnitContext(ctx, s.lockTarget, "isolate", nil); err != nil {
		return errors.Wrapf(err, "failed to isolate %s", s.lockTarget)
	}
	return nil
}

func (s *FileSurface) update(fn func(*Policy)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode policy")
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create policy dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp policy file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write policy")
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to chmod policy")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close policy")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to replace policy")
}
