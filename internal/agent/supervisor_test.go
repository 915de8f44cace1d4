package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/octo/internal/common/logger"
)

type fakeCoprocess struct {
	id        string
	events    chan Event
	closed    atomic.Bool
	promptErr error
}

func newFakeCoprocess(id string) *fakeCoprocess {
	return &fakeCoprocess{id: id, events: make(chan Event, 16)}
}

func (f *fakeCoprocess) Prompt(_ context.Context, _ string) error { return f.promptErr }
func (f *fakeCoprocess) Abort(_ context.Context) error            { return nil }
func (f *fakeCoprocess) Steer(_ context.Context, _ string) error  { return nil }
func (f *fakeCoprocess) SessionID() string                        { return f.id }
func (f *fakeCoprocess) Subscribe() <-chan Event                  { return f.events }
func (f *fakeCoprocess) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("building test logger: %v", err)
	}
	return log
}

func TestStartNewRegistersSession(t *testing.T) {
	fc := newFakeCoprocess("sess-1")
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) { return fc, nil }
	sup := NewSupervisor(spawn, testLogger(t))

	sess, err := sup.StartNew(context.Background(), "user-1", "/work/a", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if sess.key.SessionID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", sess.key.SessionID)
	}
	got, ok := sup.lookup(sess.key)
	if !ok || got != sess {
		t.Fatal("expected session to be registered in the session map")
	}
}

func TestResumeReturnsCachedHandleWithoutRespawning(t *testing.T) {
	var spawnCount atomic.Int32
	fc := newFakeCoprocess("sess-2")
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) {
		spawnCount.Add(1)
		return fc, nil
	}
	sup := NewSupervisor(spawn, testLogger(t))
	key := Key{UserID: "u", Workspace: "/w", SessionID: "sess-2"}

	first, err := sup.Resume(context.Background(), key, "/tmp/sess-2.jsonl", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := sup.Resume(context.Background(), key, "/tmp/sess-2.jsonl", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("expected the cached session handle to be reused")
	}
	if spawnCount.Load() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", spawnCount.Load())
	}
}

func TestResumeDedupsConcurrentCreation(t *testing.T) {
	var spawnCount atomic.Int32
	release := make(chan struct{})
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) {
		spawnCount.Add(1)
		<-release
		return newFakeCoprocess("sess-3"), nil
	}
	sup := NewSupervisor(spawn, testLogger(t))
	key := Key{UserID: "u", Workspace: "/w", SessionID: "sess-3"}

	var wg sync.WaitGroup
	results := make([]*Session, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond) // let both calls race into Resume
			results[i], errs[i] = sup.Resume(context.Background(), key, "/tmp/sess-3.jsonl", SpawnConfig{})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if spawnCount.Load() != 1 {
		t.Fatalf("expected exactly one spawn under concurrent resume, got %d", spawnCount.Load())
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error from resume %d: %v", i, err)
		}
	}
}

func TestCloseRefusesStreamingSessionWithoutForce(t *testing.T) {
	fc := newFakeCoprocess("sess-4")
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) { return fc, nil }
	sup := NewSupervisor(spawn, testLogger(t))

	sess, err := sup.StartNew(context.Background(), "u", "/w", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	sess.ApplyEvent(Event{Type: "agent_start"})

	closed, err := sup.Close(sess.key, false)
	if err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("expected close to refuse a streaming session without force")
	}

	closed, err = sup.Close(sess.key, true)
	if err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("expected forced close to succeed")
	}
}

func TestReapIdleSkipsStreamingSessions(t *testing.T) {
	fc := newFakeCoprocess("sess-5")
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) { return fc, nil }
	sup := NewSupervisor(spawn, testLogger(t))
	sup.idleTimeout = time.Millisecond

	sess, err := sup.StartNew(context.Background(), "u", "/w", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	sess.ApplyEvent(Event{Type: "agent_start"})
	time.Sleep(5 * time.Millisecond)

	sup.reapIdle()

	if _, ok := sup.lookup(sess.key); !ok {
		t.Fatal("expected a streaming session to survive idle reaping regardless of age")
	}
}

func TestReapIdleClosesStaleNonStreamingSessions(t *testing.T) {
	fc := newFakeCoprocess("sess-6")
	spawn := func(ctx context.Context, cfg SpawnConfig) (Coprocess, error) { return fc, nil }
	sup := NewSupervisor(spawn, testLogger(t))
	sup.idleTimeout = time.Millisecond

	sess, err := sup.StartNew(context.Background(), "u", "/w", SpawnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	sup.reapIdle()

	if _, ok := sup.lookup(sess.key); ok {
		t.Fatal("expected idle non-streaming session to be reaped")
	}
}

func TestClaimPersistenceWriterIsSingleWriter(t *testing.T) {
	sess := &Session{}
	guard := sess.ClaimPersistenceWriter()
	if guard == nil {
		t.Fatal("expected first claim to succeed")
	}
	if sess.ClaimPersistenceWriter() != nil {
		t.Fatal("expected second concurrent claim to fail")
	}
	guard.Release()
	if sess.ClaimPersistenceWriter() == nil {
		t.Fatal("expected claim to succeed again after release")
	}
}
