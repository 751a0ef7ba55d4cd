package lockdown

import (
	"fmt"
	"slices"
	"testing"

	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/outcome"
)

type recordingSurface struct {
	owner    bool
	calls    []string
	failStep string
	panics   bool
}

func (s *recordingSurface) fail(step string) error {
	s.calls = append(s.calls, step)
	if s.failStep == step {
		return fmt.Errorf("%s rejected", step)
	}
	return nil
}

func (s *recordingSurface) IsOwner() bool {
	if s.panics {
		panic("policy service died")
	}
	return s.owner
}

func (s *recordingSurface) SetPreferredHome(pkg string) error {
	return s.fail("home:" + pkg)
}

func (s *recordingSurface) SetLockTaskPackages(pkgs []string) error {
	return s.fail(fmt.Sprintf("lock_task_packages:%v", pkgs))
}

func (s *recordingSurface) AddRestriction(name string) error {
	return s.fail("restrict:" + name)
}

func (s *recordingSurface) EnterLockTask() error {
	return s.fail("enter_lock_task")
}

const (
	self    = "com.xam.kiosk"
	payload = "com.xam.nodeapp"
)

func TestApplyOwnerPolicies(t *testing.T) {
	s := &recordingSurface{owner: true}
	c := NewController(s, self, payload)

	if o := c.ApplyOwnerPolicies(); o.Kind != outcome.Ok {
		t.Fatalf("expected Ok, got %v", o)
	}
	want := []string{
		"home:com.xam.kiosk",
		"lock_task_packages:[com.xam.kiosk com.xam.nodeapp]",
		"restrict:no_adjust_volume",
		"restrict:no_config_brightness",
	}
	if !slices.Equal(s.calls, want) {
		t.Errorf("calls = %v, want %v", s.calls, want)
	}
	if slices.Contains(s.calls, "restrict:"+NoUSBFileTransfer) {
		t.Error("USB file transfer must stay enabled before launch")
	}
}

func TestApplyOwnerPolicies_NotOwner(t *testing.T) {
	s := &recordingSurface{}
	c := NewController(s, self, payload)

	o := c.ApplyOwnerPolicies()
	if o.Kind != outcome.AuthorityMissing || !errors.Is(o.Err, ErrNotOwner) {
		t.Fatalf("expected AuthorityMissing, got %v", o)
	}
	if len(s.calls) != 0 {
		t.Errorf("no policy may be applied without authority, got %v", s.calls)
	}
}

func TestApplyOwnerPolicies_ContinuesAfterFailure(t *testing.T) {
	s := &recordingSurface{owner: true, failStep: "home:com.xam.kiosk"}
	c := NewController(s, self, payload)

	if o := c.ApplyOwnerPolicies(); o.Kind != outcome.Unexpected {
		t.Fatalf("expected Unexpected, got %v", o)
	}
	if len(s.calls) != 4 {
		t.Errorf("remaining policies should still be applied, got %v", s.calls)
	}
}

func TestFinalizeAfterLaunch(t *testing.T) {
	tests := []struct {
		name     string
		owner    bool
		launched bool
		failStep string
		want     outcome.Kind
		calls    []string
	}{
		{"refused before launch", true, false, "", outcome.Unexpected, nil},
		{"not owner", false, true, "", outcome.AuthorityMissing, nil},
		{"restricts then locks", true, true, "", outcome.Ok, []string{"restrict:no_usb_file_transfer", "enter_lock_task"}},
		{"restriction failure still locks", true, true, "restrict:no_usb_file_transfer", outcome.Unexpected, []string{"restrict:no_usb_file_transfer", "enter_lock_task"}},
		{"lock task failure", true, true, "enter_lock_task", outcome.Unexpected, []string{"restrict:no_usb_file_transfer", "enter_lock_task"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSurface{owner: tt.owner, failStep: tt.failStep}
			c := NewController(s, self, payload)
			if tt.launched {
				c.MarkLaunched()
			}

			if o := c.FinalizeAfterLaunch(); o.Kind != tt.want {
				t.Errorf("outcome = %v, want %v", o, tt.want)
			}
			if !slices.Equal(s.calls, tt.calls) {
				t.Errorf("calls = %v, want %v", s.calls, tt.calls)
			}
		})
	}
}

func TestFinalizeAfterLaunch_ReportsFirstFailure(t *testing.T) {
	s := &recordingSurface{owner: true, failStep: "restrict:no_usb_file_transfer"}
	c := NewController(s, self, payload)
	c.MarkLaunched()

	if o := c.FinalizeAfterLaunch(); o.Reason != "restriction_failed" {
		t.Errorf("reason = %q, want restriction_failed", o.Reason)
	}
}

func TestController_RecoversPanics(t *testing.T) {
	c := NewController(&recordingSurface{panics: true}, self, payload)
	c.MarkLaunched()

	if o := c.ApplyOwnerPolicies(); o.Kind != outcome.Unexpected {
		t.Errorf("ApplyOwnerPolicies = %v, want Unexpected", o)
	}
	if o := c.FinalizeAfterLaunch(); o.Kind != outcome.Unexpected {
		t.Errorf("FinalizeAfterLaunch = %v, want Unexpected", o)
	}
}
