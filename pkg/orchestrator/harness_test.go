package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/lockdown"
	"github.com/xam-io/kioskd/pkg/network"
	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/readiness"
	"github.com/xam-io/kioskd/pkg/scheduler"
)

var nodeApp = payload.Component{Package: "com.xam.nodeapp", Entry: "nodeapp.service"}

// eventLog records platform calls across fakes so tests can assert order.
type eventLog []string

func (l *eventLog) add(format string, args ...any) {
	*l = append(*l, fmt.Sprintf(format, args...))
}

func (l eventLog) index(event string) int {
	for i, e := range l {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeProbe struct{ unlocked, storage bool }

func (p *fakeProbe) UserUnlocked() (bool, error) { return p.unlocked, nil }
func (p *fakeProbe) StorageReady() (bool, error) { return p.storage, nil }

type fakeRegistry struct {
	installed bool
	queries   int
}

func (r *fakeRegistry) Installed(string) (bool, error) {
	r.queries++
	return r.installed, nil
}

type fakeTrigger struct {
	events *eventLog
	paths  []string
}

func (f *fakeTrigger) TriggerInstall(path string) error {
	f.paths = append(f.paths, path)
	f.events.add("install:%s", filepath.Base(path))
	return nil
}

type fakeStarter struct {
	events   *eventLog
	running  bool
	failures int
	starts   int
}

func (s *fakeStarter) Start(c payload.Component) error {
	s.starts++
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("unit %s failed to start", c.Entry)
	}
	s.events.add("start:%s", c.Entry)
	s.running = true
	return nil
}

func (s *fakeStarter) Running(payload.Component) (bool, error) { return s.running, nil }

type fakeSurface struct {
	events *eventLog
	owner  bool
}

func (s *fakeSurface) IsOwner() bool { return s.owner }

func (s *fakeSurface) SetPreferredHome(pkg string) error {
	s.events.add("home:%s", pkg)
	return nil
}

func (s *fakeSurface) SetLockTaskPackages(pkgs []string) error {
	s.events.add("lock_task_packages:%d", len(pkgs))
	return nil
}

func (s *fakeSurface) AddRestriction(name string) error {
	s.events.add("restrict:%s", name)
	return nil
}

func (s *fakeSurface) EnterLockTask() error {
	s.events.add("enter_lock_task")
	return nil
}

// wifi is a network.Controller that associates once reconnect has been
// requested associateOn times.
type wifi struct {
	events      *eventLog
	radio       bool
	profiles    []network.Profile
	enabled     string
	reconnects  int
	associateOn int
	current     string
}

func (w *wifi) RadioEnabled() (bool, error) { return w.radio, nil }

func (w *wifi) SetRadioEnabled(on bool) error {
	w.radio = on
	return nil
}

func (w *wifi) Profiles() ([]network.Profile, error) { return w.profiles, nil }

func (w *wifi) AddProfile(t network.Target) (string, error) {
	id := fmt.Sprintf("profile-%d", len(w.profiles)+1)
	w.profiles = append(w.profiles, network.Profile{ID: id, SSID: t.SSID})
	w.events.add("add_profile:%s:%s", t.SSID, t.AuthMode)
	return id, nil
}

func (w *wifi) EnableProfile(id string) error {
	w.enabled = id
	return nil
}

func (w *wifi) Reconnect() error {
	w.reconnects++
	if w.associateOn > 0 && w.reconnects >= w.associateOn {
		for _, p := range w.profiles {
			if p.ID == w.enabled {
				w.current = `"` + p.SSID + `"`
			}
		}
	}
	return nil
}

func (w *wifi) CurrentSSID() (string, error) { return w.current, nil }

type retryEvent struct {
	stage Stage
	kind  outcome.Kind
}

type recordingObserver struct {
	attempts    int
	transitions []Stage
	retries     []retryEvent
}

func (r *recordingObserver) AttemptStarted(State) { r.attempts++ }

func (r *recordingObserver) StageChanged(s State, _ Stage) {
	r.transitions = append(r.transitions, s.Stage)
}

func (r *recordingObserver) StageRetried(s State, o outcome.Outcome) {
	r.retries = append(r.retries, retryEvent{stage: s.Stage, kind: o.Kind})
}

func (r *recordingObserver) retriesIn(stage Stage) int {
	n := 0
	for _, rt := range r.retries {
		if rt.stage == stage {
			n++
		}
	}
	return n
}

type harness struct {
	t *testing.T

	clk      *testclock.Clock
	sched    *scheduler.Scheduler
	events   eventLog
	probe    *fakeProbe
	registry *fakeRegistry
	trigger  *fakeTrigger
	starter  *fakeStarter
	surface  *fakeSurface
	wifi     *wifi
	obs      *recordingObserver

	storageRoot    string
	descriptorPath string
	lock           *lockdown.Controller
	orch           *Orchestrator
}

func newHarness(t *testing.T, intervals Intervals) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		clk:         testclock.NewClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)),
		probe:       &fakeProbe{unlocked: true, storage: true},
		registry:    &fakeRegistry{},
		obs:         &recordingObserver{},
		storageRoot: t.TempDir(),
	}
	h.sched = scheduler.New(h.clk)
	h.trigger = &fakeTrigger{events: &h.events}
	h.starter = &fakeStarter{events: &h.events}
	h.surface = &fakeSurface{events: &h.events, owner: true}
	h.wifi = &wifi{events: &h.events}
	h.descriptorPath = filepath.Join(h.storageRoot, "config.json")

	assoc := network.NewAssociator(h.wifi, h.sched, network.DefaultSettle)
	h.lock = lockdown.NewController(h.surface, "com.xam.kiosk", nodeApp.Package)
	h.orch = New(Deps{
		Gate:      readiness.NewGate(h.probe, h.clk, readiness.DefaultPollInterval, 2*time.Second),
		Config:    descriptor.NewStore(h.descriptorPath),
		Network:   assoc,
		Installer: payload.NewInstaller(nodeApp, h.registry, h.trigger, nil, h.storageRoot, filepath.Join(h.storageRoot, "cache")),
		Launcher:  payload.NewLauncher(nodeApp, h.starter),
		Lockdown:  h.lock,
	}, h.sched, intervals, h.obs)
	assoc.Retried = h.orch.NetworkRetried
	return h
}

func (h *harness) writeDescriptor(body string) {
	h.t.Helper()
	if err := os.WriteFile(h.descriptorPath, []byte(body), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) writeArtifact(name string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.storageRoot, name), []byte("bundle"), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) start() {
	h.orch.Start()
	h.sched.RunDue()
}

// advance moves the clock forward and runs whatever became due.
func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.sched.RunDue()
}

func (h *harness) requireStage(want Stage) {
	h.t.Helper()
	if got := h.orch.State().Stage; got != want {
		h.t.Fatalf("stage = %s, want %s (transitions %v)", got, want, h.obs.transitions)
	}
}
