package network

import (
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/scheduler"
)

type fakeController struct {
	radio       bool
	profiles    []Profile
	added       []Target
	enabled     []string
	reconnects  int
	current     string
	addErr      error
	addID       string
	associateOn int // reconnect count at which current becomes the enabled ssid
}

func (f *fakeController) RadioEnabled() (bool, error) { return f.radio, nil }

func (f *fakeController) SetRadioEnabled(on bool) error {
	f.radio = on
	return nil
}

func (f *fakeController) Profiles() ([]Profile, error) { return f.profiles, nil }

func (f *fakeController) AddProfile(t Target) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, t)
	id := f.addID
	if id == "" {
		id = "uuid-" + t.SSID
	}
	f.profiles = append(f.profiles, Profile{ID: id, SSID: t.SSID})
	return id, nil
}

func (f *fakeController) EnableProfile(id string) error {
	f.enabled = append(f.enabled, id)
	return nil
}

func (f *fakeController) Reconnect() error {
	f.reconnects++
	if f.associateOn > 0 && f.reconnects >= f.associateOn {
		for _, p := range f.profiles {
			if p.ID == f.enabled[len(f.enabled)-1] {
				f.current = p.SSID
			}
		}
	}
	return nil
}

func (f *fakeController) CurrentSSID() (string, error) { return f.current, nil }

func newTestAssociator(ctl Controller) (*Associator, *scheduler.Scheduler, *testclock.Clock) {
	clk := testclock.NewClock(time.Unix(0, 0))
	sched := scheduler.New(clk)
	return NewAssociator(ctl, sched, 5*time.Second), sched, clk
}

func TestEnsureAssociated_AlreadyAssociated(t *testing.T) {
	ctl := &fakeController{radio: true, current: `"Office_WiFi"`}
	a, sched, _ := newTestAssociator(ctl)

	done := false
	a.EnsureAssociated(NewTarget("Office_WiFi", ""), func() { done = true })
	sched.RunDue()

	if !done {
		t.Fatal("expected immediate callback when already associated")
	}
	if len(ctl.added) != 0 || ctl.reconnects != 0 {
		t.Errorf("fast path must not touch profiles: added=%d reconnects=%d", len(ctl.added), ctl.reconnects)
	}
}

func TestEnsureAssociated_CreatesOpenProfileAndWaitsForMatch(t *testing.T) {
	ctl := &fakeController{radio: false, associateOn: 2}
	a, sched, clk := newTestAssociator(ctl)

	done := false
	a.EnsureAssociated(NewTarget("Office_WiFi", ""), func() { done = true })
	sched.RunDue()

	if !ctl.radio {
		t.Error("radio should have been enabled")
	}
	if len(ctl.added) != 1 || ctl.added[0].SSID != "Office_WiFi" || ctl.added[0].AuthMode != AuthOpen {
		t.Fatalf("expected one open profile for Office_WiFi, got %+v", ctl.added)
	}
	if len(ctl.enabled) != 1 || ctl.enabled[0] != "uuid-Office_WiFi" || ctl.reconnects != 1 {
		t.Fatalf("expected enable+reconnect, got enabled=%v reconnects=%d", ctl.enabled, ctl.reconnects)
	}

	clk.Advance(4 * time.Second)
	sched.RunDue()
	if done {
		t.Fatal("must not report association before settle interval")
	}

	// first settle: still not associated, retry reuses the saved profile
	clk.Advance(time.Second)
	sched.RunDue()
	if done {
		t.Fatal("must not report association before current ssid matches")
	}
	if len(ctl.added) != 1 {
		t.Errorf("retry must reuse saved profile, added=%d", len(ctl.added))
	}
	if ctl.reconnects != 2 {
		t.Errorf("expected second reconnect, got %d", ctl.reconnects)
	}

	clk.Advance(5 * time.Second)
	sched.RunDue()
	if !done {
		t.Error("expected association after current ssid matches")
	}
}

func TestEnsureAssociated_WPAProfile(t *testing.T) {
	ctl := &fakeController{radio: true, associateOn: 1}
	a, sched, clk := newTestAssociator(ctl)

	a.EnsureAssociated(NewTarget("Lab", "hunter22"), func() {})
	sched.RunDue()
	clk.Advance(5 * time.Second)
	sched.RunDue()

	if len(ctl.added) != 1 || ctl.added[0].AuthMode != AuthWPAPSK || ctl.added[0].PSK != "hunter22" {
		t.Errorf("expected WPA-PSK profile, got %+v", ctl.added)
	}
}

func TestEnsureAssociated_RegisterFailureRetries(t *testing.T) {
	ctl := &fakeController{radio: true, addErr: errors.New("permission denied")}
	a, sched, clk := newTestAssociator(ctl)

	var retries []outcome.Outcome
	a.Retried = func(o outcome.Outcome) { retries = append(retries, o) }

	done := false
	a.EnsureAssociated(NewTarget("Office_WiFi", ""), func() { done = true })
	sched.RunDue()

	if len(retries) != 1 || retries[0].Kind != outcome.TriggerFailed {
		t.Fatalf("expected one trigger failure, got %v", retries)
	}
	if ctl.reconnects != 0 {
		t.Error("must not reconnect without a profile")
	}

	ctl.addErr = nil
	ctl.associateOn = 1
	clk.Advance(5 * time.Second)
	sched.RunDue()
	clk.Advance(5 * time.Second)
	sched.RunDue()

	if !done {
		t.Error("expected association once registration succeeds")
	}
	if a.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", a.Attempts())
	}
}

func TestEnsureAssociated_EmptyProfileIDRetries(t *testing.T) {
	ctl := &fakeController{radio: true}
	ctl.addID = ""
	a, sched, _ := newTestAssociator(ctl)

	// AddProfile returning "" counts as a failed registration
	a.ctl = &emptyIDController{fakeController: ctl}
	a.EnsureAssociated(NewTarget("Office_WiFi", ""), func() { t.Error("must not associate") })
	sched.RunDue()

	if sched.Pending() != 1 {
		t.Errorf("expected a retry to be scheduled, pending=%d", sched.Pending())
	}
}

type emptyIDController struct{ *fakeController }

func (e *emptyIDController) AddProfile(Target) (string, error) { return "", nil }

func TestEnsureAssociated_CancelDropsPendingWork(t *testing.T) {
	ctl := &fakeController{radio: true}
	a, sched, clk := newTestAssociator(ctl)

	a.EnsureAssociated(NewTarget("Office_WiFi", ""), func() { t.Error("cancelled association must not complete") })
	sched.RunDue()
	a.Cancel()

	ctl.current = "Office_WiFi"
	clk.Advance(10 * time.Second)
	sched.RunDue()

	if sched.Pending() != 0 {
		t.Errorf("expected no pending work after cancel, got %d", sched.Pending())
	}
}

func TestTargetMatches(t *testing.T) {
	target := NewTarget("Office_WiFi", "")
	tests := []struct {
		current string
		want    bool
	}{
		{"Office_WiFi", true},
		{`"Office_WiFi"`, true},
		{"office_wifi", false},
		{"", false},
		{`""`, false},
		{"<unknown ssid>", false},
	}
	for _, tt := range tests {
		if got := target.Matches(tt.current); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.current, got, tt.want)
		}
	}
}
