package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/runtime"
)

// fakeStore is a minimal in-memory Store for exercising Service without
// a database.
type fakeStore struct {
	mu    sync.Mutex
	byID  map[string]*Session
}

func newFakeStore() *fakeStore { return &fakeStore{byID: make(map[string]*Session)} }

func (f *fakeStore) Create(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.byID[s.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetByHandle(_ context.Context, handle string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.Handle == handle {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.byID {
		if s.Status == StatusPending || s.Status == StatusStarting || s.Status == StatusRunning {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRunningForUser(_ context.Context, userID string) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.byID {
		if s.UserID == userID && s.Status == StatusRunning {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListIdle(_ context.Context, idleSince time.Time) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.byID {
		if s.Status == StatusRunning && s.LastActivity.Before(idleSince) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) FindRunningForWorkspace(_ context.Context, userID, workspace string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == userID && s.Workspace == workspace && s.Status == StatusRunning {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindLatestStoppedForWorkspace(_ context.Context, userID, workspace string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *Session
	for _, s := range f.byID {
		if s.UserID == userID && s.Workspace == workspace && s.Status == StatusStopped && s.Handle != "" {
			if latest == nil || (s.StoppedAt != nil && latest.StoppedAt != nil && s.StoppedAt.After(*latest.StoppedAt)) {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status Status, failureErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil
	}
	s.Status = status
	s.FailureError = failureErr
	if status == StatusStopped {
		now := time.Now()
		s.StoppedAt = &now
	}
	return nil
}

func (f *fakeStore) SetHandle(_ context.Context, id, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.Handle = handle
	}
	return nil
}

func (f *fakeStore) UpdatePorts(_ context.Context, id string, opencode, fileserver, ttyd, agentBase int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.OpenCodePort, s.FileServerPort, s.TTYDPort, s.AgentBasePort = opencode, fileserver, ttyd, agentBase
	}
	return nil
}

func (f *fakeStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.LastActivity = at
	}
	return nil
}

func (f *fakeStore) SetStreaming(_ context.Context, id string, streaming bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.IsStreaming = streaming
	}
	return nil
}

func (f *fakeStore) UpdateImageDigest(_ context.Context, id, image, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.Image, s.ImageDigest = image, digest
	}
	return nil
}

func (f *fakeStore) ClearHandle(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.Handle = ""
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

// fakeRuntime is a Runtime whose start/resume/stop/inspect behavior is
// scripted per test.
type fakeRuntime struct {
	startErr  error
	inspect   runtime.Status
	inspectErr error
	starts    int
	stops     int
}

func (r *fakeRuntime) StartSession(_ context.Context, req runtime.StartRequest) (runtime.Handle, error) {
	r.starts++
	if r.startErr != nil {
		return "", r.startErr
	}
	return runtime.Handle("pid1,pid2,pid3"), nil
}

func (r *fakeRuntime) ResumeSession(_ context.Context, req runtime.StartRequest, handle runtime.Handle) (runtime.Handle, error) {
	r.starts++
	if r.startErr != nil {
		return "", r.startErr
	}
	return handle, nil
}

func (r *fakeRuntime) StopSession(_ context.Context, handle runtime.Handle, timeoutSec int) error {
	r.stops++
	return nil
}

func (r *fakeRuntime) Inspect(_ context.Context, handle runtime.Handle) (runtime.Status, error) {
	if r.inspectErr != nil {
		return runtime.StatusUnknown, r.inspectErr
	}
	return r.inspect, nil
}

func testService(store Store, rt runtime.Runtime) *Service {
	return NewService(store, rt, Config{
		PortRangeStart: 20000,
		PortRangeEnd:   30000,
		MaxAgents:      4,
		IdleTimeout:    time.Hour,
	}, logger.Default())
}

func TestCreate_NewSessionReachesRunning(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{}
	svc := testService(store, rt)

	res, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNew {
		t.Error("expected IsNew=true for a fresh session")
	}
	if res.Session.Status != StatusRunning {
		t.Errorf("got status %q, want running", res.Session.Status)
	}
	if res.Session.Handle == "" {
		t.Error("expected a runtime handle to be recorded")
	}
	if res.Session.OpenCodePort != 20000 {
		t.Errorf("got base port %d, want 20000", res.Session.OpenCodePort)
	}
}

func TestCreate_ReuseReturnsExistingRunningSession(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{}
	svc := testService(store, rt)

	first, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew {
		t.Error("expected reuse check to return IsNew=false")
	}
	if second.Session.ID != first.Session.ID {
		t.Error("expected the same session to be returned")
	}
	if rt.starts != 1 {
		t.Errorf("expected exactly one RT start, got %d", rt.starts)
	}
}

func TestCreate_RuntimeFailureMarksSessionFailedAndReleasesPorts(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{startErr: context.DeadlineExceeded}
	svc := testService(store, rt)

	_, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err == nil {
		t.Fatal("expected an error from a failing RT.StartSession")
	}

	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("expected the failed session to no longer count as active, got %d", len(active))
	}

	// A second create should be able to reuse the same port floor since
	// the failed session's ports were never truly claimed.
	res, err := svc.Create(context.Background(), "user-1", "/home/user/other", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = res
}

func TestStop_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{}
	svc := testService(store, rt)

	res, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Stop(context.Background(), res.Session.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(context.Background(), res.Session.ID); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if rt.stops != 1 {
		t.Errorf("expected exactly one RT stop call, got %d", rt.stops)
	}
}

func TestReapIdle_SkipsStreamingSessions(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{}
	svc := testService(store, rt)

	res, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetStreaming(context.Background(), res.Session.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := store.TouchActivity(context.Background(), res.Session.ID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	svc.cfg.IdleTimeout = time.Minute
	reaped := svc.ReapIdle(context.Background())
	if reaped != 0 {
		t.Errorf("expected a streaming session to survive the reaper, got %d reaped", reaped)
	}
}

func TestResume_FindsLatestStoppedSessionAndReallocatesPorts(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{}
	svc := testService(store, rt)

	res, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(context.Background(), res.Session.ID); err != nil {
		t.Fatal(err)
	}

	// A second, unrelated session now occupies the floor, forcing resume
	// to land on a different base than the one it stopped with.
	if _, err := svc.Create(context.Background(), "user-2", "/home/user/other", "", "", "", 0); err != nil {
		t.Fatal(err)
	}

	resumed, err := svc.Resume(context.Background(), "user-1", "/home/user/project")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Session.Status != StatusRunning {
		t.Errorf("got status %q, want running", resumed.Session.Status)
	}
	if resumed.Session.OpenCodePort == res.Session.OpenCodePort {
		t.Error("expected resume to re-allocate a fresh port range once the old one was taken")
	}
}

func TestStartupCleanup_DemotesGhostSessions(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRuntime{inspect: runtime.StatusExited}
	svc := testService(store, rt)

	res, err := svc.Create(context.Background(), "user-1", "/home/user/project", "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	demoted, err := svc.StartupCleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if demoted != 1 {
		t.Fatalf("expected 1 ghost demoted, got %d", demoted)
	}

	got, err := store.Get(context.Background(), res.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusStopped {
		t.Errorf("got status %q, want stopped", got.Status)
	}
}
