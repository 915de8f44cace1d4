// Package agent implements the Agent Supervisor: the coprocess
// lifecycle, stream-snapshot fold/replay algebra, single-writer claim,
// idle reaping, and fuzzy session search for per-user main-chat
// conversations.
package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/eventbus"
)

// systemPromptCandidates are the well-known files the supervisor looks
// for in a workspace root and, when present, forwards to the coprocess
// as additional system prompts.
var systemPromptCandidates = []string{"ONBOARD.md", "PERSONALITY.md", "USER.md"}

// DiscoverSystemPrompts returns the subset of systemPromptCandidates
// present in workdir, in priority order.
func DiscoverSystemPrompts(workdir string) []string {
	var found []string
	for _, name := range systemPromptCandidates {
		p := filepath.Join(workdir, name)
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

// Key identifies one coprocess session: the user and workspace it
// belongs to plus the coprocess's own session id.
type Key struct {
	UserID      string
	Workspace   string
	SessionID   string
}

// idleTimeout and cleanupInterval mirror the upstream main-chat
// service's defaults (5 minute idle, 1 minute sweep).
const (
	defaultIdleTimeout  = 5 * time.Minute
	cleanupInterval     = 60 * time.Second
	creationPollEvery   = 100 * time.Millisecond
	creationPollTimeout = 5 * time.Second
)

// Session wraps one live coprocess plus the bookkeeping the
// supervisor needs: last activity, streaming state, the folded
// snapshot for WS replay, and the single-writer persistence claim.
type Session struct {
	key          Key
	proc         Coprocess
	snapshot     Snapshot
	snapMu       sync.Mutex
	lastActivity atomic.Int64 // unix nanos
	isStreaming  atomic.Bool
	writerClaim  atomic.Bool
}

// WriterGuard holds the single-writer persistence claim until Release
// is called, ensuring exactly one of several attached WebSocket
// connections persists a given turn.
type WriterGuard struct {
	claimed *atomic.Bool
}

func (g *WriterGuard) Release() {
	if g != nil {
		g.claimed.Store(false)
	}
}

// ClaimPersistenceWriter attempts the compare-and-set; nil means
// another connection already holds the claim.
func (s *Session) ClaimPersistenceWriter() *WriterGuard {
	if s.writerClaim.CompareAndSwap(false, true) {
		return &WriterGuard{claimed: &s.writerClaim}
	}
	return nil
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) IsStreaming() bool { return s.isStreaming.Load() }

// ApplyEvent folds one coprocess event into the session's stream
// snapshot and updates activity/streaming bookkeeping.
func (s *Session) ApplyEvent(ev Event) {
	s.touch()
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	switch ev.Type {
	case "agent_start":
		s.isStreaming.Store(true)
	case "agent_end":
		s.isStreaming.Store(false)
	}
	s.snapshot.Apply(ev)
}

// ReplayEvents returns the sequence a newly attached client can apply
// to reach the session's current visible mid-turn state.
func (s *Session) ReplayEvents() []ReplayEvent {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapshot.ToReplayEvents()
}

// Prompt forwards to the underlying coprocess and touches activity.
func (s *Session) Prompt(ctx context.Context, message string) error {
	s.touch()
	return s.proc.Prompt(ctx, message)
}

// Abort forwards an abort request to the underlying coprocess.
func (s *Session) Abort(ctx context.Context) error {
	s.touch()
	return s.proc.Abort(ctx)
}

// Steer forwards a mid-turn steering message to the underlying
// coprocess.
func (s *Session) Steer(ctx context.Context, message string) error {
	s.touch()
	return s.proc.Steer(ctx, message)
}

// Spawner is the collaborator the Supervisor uses to actually start a
// coprocess; production wiring is SpawnStdio, tests substitute a fake.
type Spawner func(ctx context.Context, cfg SpawnConfig) (Coprocess, error)

// Supervisor keyed by (user, workspace, coprocess-session-id). Owns
// spawn/resume with create-once semantics under concurrent requests,
// idle reaping, and forced/graceful close.
type Supervisor struct {
	spawn Spawner
	log   *logger.Logger

	mu       sync.RWMutex
	sessions map[Key]*Session

	creatingMu sync.Mutex
	creating   map[Key]struct{}

	idleTimeout time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup

	events eventbus.Publisher
}

// SetEventPublisher attaches the lifecycle-event sink the supervisor
// reports coprocess start/stop through. Optional: a nil publisher
// simply skips publishing, the way tests construct a Supervisor.
func (sup *Supervisor) SetEventPublisher(p eventbus.Publisher) {
	sup.events = p
}

func (sup *Supervisor) publish(eventType string, key Key) {
	if sup.events == nil {
		return
	}
	sup.events.Publish(context.Background(), "octo.agent."+eventType, eventbus.NewEvent(eventType, "agent", map[string]any{
		"user_id":    key.UserID,
		"workspace":  key.Workspace,
		"session_id": key.SessionID,
	}))
}

func NewSupervisor(spawn Spawner, log *logger.Logger) *Supervisor {
	return &Supervisor{
		spawn:       spawn,
		log:         log,
		sessions:    make(map[Key]*Session),
		creating:    make(map[Key]struct{}),
		idleTimeout: defaultIdleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// StartCleanupTask launches the 60s idle-reaping background loop.
func (sup *Supervisor) StartCleanupTask() {
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sup.stopCh:
				return
			case <-ticker.C:
				sup.reapIdle()
			}
		}
	}()
}

func (sup *Supervisor) Stop() {
	close(sup.stopCh)
	sup.wg.Wait()
}

// StartNew spawns a fresh coprocess for (userID, workspace) and waits
// for its session-id handshake before registering it in the map.
func (sup *Supervisor) StartNew(ctx context.Context, userID, workspace string, cfg SpawnConfig) (*Session, error) {
	proc, err := sup.spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess := &Session{key: Key{UserID: userID, Workspace: workspace, SessionID: proc.SessionID()}, proc: proc}
	sess.touch()

	sup.mu.Lock()
	sup.sessions[sess.key] = sess
	sup.mu.Unlock()

	sup.publish("started", sess.key)
	go sup.drain(sess)
	return sess, nil
}

// Resume returns the cached handle for (user, workspace, id) if
// present. Otherwise, under a per-key creation guard that prevents
// concurrent requests from double-spawning, it spawns a coprocess
// pointed at the on-disk session record. Concurrent callers racing the
// same key poll the cache every 100ms for up to 5s rather than spawn
// themselves.
func (sup *Supervisor) Resume(ctx context.Context, key Key, sessionFile string, baseCfg SpawnConfig) (*Session, error) {
	if sess, ok := sup.lookup(key); ok {
		return sess, nil
	}

	sup.creatingMu.Lock()
	if _, inFlight := sup.creating[key]; inFlight {
		sup.creatingMu.Unlock()
		return sup.pollForCreation(ctx, key)
	}
	sup.creating[key] = struct{}{}
	sup.creatingMu.Unlock()
	defer func() {
		sup.creatingMu.Lock()
		delete(sup.creating, key)
		sup.creatingMu.Unlock()
	}()

	cfg := baseCfg
	cfg.SessionFile = sessionFile
	proc, err := sup.spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess := &Session{key: key, proc: proc}
	sess.touch()

	sup.mu.Lock()
	sup.sessions[key] = sess
	sup.mu.Unlock()

	sup.publish("resumed", sess.key)
	go sup.drain(sess)
	return sess, nil
}

// ResumeOrFresh implements the main-chat freshness decision: given the
// most recently persisted session file for a workspace (if any), it
// either resumes that file in place or starts fresh with a
// context-injection system prompt assembled from its trailing
// summary/handoff records, so a stale or oversized session never
// silently grows unbounded.
func (sup *Supervisor) ResumeOrFresh(ctx context.Context, key Key, lastSessionFile string, baseCfg SpawnConfig) (*Session, error) {
	cfg := baseCfg
	cfg.AppendSystemPrompts = append([]string(nil), baseCfg.AppendSystemPrompts...)
	cfg.AppendSystemPrompts = append(cfg.AppendSystemPrompts, DiscoverSystemPrompts(baseCfg.Workdir)...)

	if lastSessionFile == "" {
		return sup.StartNew(ctx, key.UserID, key.Workspace, cfg)
	}

	info, err := os.Stat(lastSessionFile)
	if err != nil {
		return sup.StartNew(ctx, key.UserID, key.Workspace, cfg)
	}

	if ShouldContinueSession(info, time.Now()) {
		return sup.Resume(ctx, key, lastSessionFile, cfg)
	}

	if injection, err := BuildContextInjection(lastSessionFile); err == nil && injection != "" {
		tmp, werr := writeContextInjectionFile(key, injection)
		if werr == nil {
			cfg.AppendSystemPrompts = append(cfg.AppendSystemPrompts, tmp)
		}
	}
	return sup.StartNew(ctx, key.UserID, key.Workspace, cfg)
}

func writeContextInjectionFile(key Key, content string) (string, error) {
	path := filepath.Join(os.TempDir(), "octo-handoff-"+key.UserID+"-"+key.SessionID+".md")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (sup *Supervisor) pollForCreation(ctx context.Context, key Key) (*Session, error) {
	deadline := time.Now().Add(creationPollTimeout)
	ticker := time.NewTicker(creationPollEvery)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if sess, ok := sup.lookup(key); ok {
				return sess, nil
			}
		}
	}
	return nil, apperr.Conflictf("timed out waiting for concurrent session creation: %v", key)
}

func (sup *Supervisor) lookup(key Key) (*Session, bool) {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	sess, ok := sup.sessions[key]
	return sess, ok
}

// drain forwards coprocess events into the session's fold until the
// coprocess's event channel closes (process exit).
func (sup *Supervisor) drain(sess *Session) {
	for ev := range sess.proc.Subscribe() {
		sess.ApplyEvent(ev)
	}
}

// Close removes the session. If force is false and the session is
// streaming, it refuses and reports not-closed rather than cutting off
// an in-progress turn.
func (sup *Supervisor) Close(key Key, force bool) (closed bool, err error) {
	sup.mu.Lock()
	sess, ok := sup.sessions[key]
	if !ok {
		sup.mu.Unlock()
		return true, nil
	}
	if sess.IsStreaming() && !force {
		sup.mu.Unlock()
		return false, nil
	}
	delete(sup.sessions, key)
	sup.mu.Unlock()

	sup.publish("stopped", key)
	return true, sess.proc.Close()
}

// reapIdle drops sessions whose last activity predates idleTimeout and
// that are not currently streaming. Streaming sessions are never
// reaped regardless of age.
func (sup *Supervisor) reapIdle() {
	cutoff := time.Now().Add(-sup.idleTimeout).UnixNano()

	sup.mu.RLock()
	var stale []Key
	for k, sess := range sup.sessions {
		if sess.IsStreaming() {
			continue
		}
		if sess.lastActivity.Load() < cutoff {
			stale = append(stale, k)
		}
	}
	sup.mu.RUnlock()

	for _, k := range stale {
		if closed, err := sup.Close(k, false); err != nil {
			sup.log.Warn("idle reaper: close failed")
		} else if closed {
			sup.log.Info("idle reaper: closed session")
		}
	}
}
