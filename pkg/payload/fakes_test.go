package payload

import "fmt"

type fakeRegistry struct {
	installed map[string]bool
	err       error
	panics    bool
	queries   int
}

func (r *fakeRegistry) Installed(pkg string) (bool, error) {
	r.queries++
	if r.panics {
		panic("package manager went away")
	}
	return r.installed[pkg], r.err
}

type fakeTrigger struct {
	paths []string
	err   error
}

func (f *fakeTrigger) TriggerInstall(path string) error {
	f.paths = append(f.paths, path)
	return f.err
}

type fakeFetcher struct {
	artifacts []Artifact
	err       error
	running   bool
}

func (f *fakeFetcher) TriggerFetch(a Artifact) error {
	f.artifacts = append(f.artifacts, a)
	f.running = f.err == nil
	return f.err
}

func (f *fakeFetcher) Fetching(string) bool {
	return f.running
}

type fakeStarter struct {
	running  bool
	queryErr error
	startErr error
	starts   []Component
}

func (s *fakeStarter) Start(c Component) error {
	s.starts = append(s.starts, c)
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeStarter) Running(Component) (bool, error) {
	if s.queryErr != nil {
		return false, s.queryErr
	}
	return s.running, nil
}

var errPlatform = fmt.Errorf("platform refused")

var nodeApp = Component{Package: "com.xam.nodeapp", Entry: "nodeapp.service"}
