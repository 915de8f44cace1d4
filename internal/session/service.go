package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/eventbus"
	"github.com/kandev/octo/internal/runtime"
)

// Config configures the orchestrator's port floor/ceiling and idle
// threshold.
type Config struct {
	PortRangeStart int
	PortRangeEnd   int
	MaxAgents      int
	IdleTimeout    time.Duration
}

// Result is returned by create/resume: the session plus whether it was
// freshly created (false for a reuse-check hit).
type Result struct {
	Session *Session
	IsNew   bool
}

// Service implements the Session Orchestrator: the state machine, port
// allocator, resume-vs-new decision, idle reaping, startup cleanup, and
// upgrade-in-place described in §4.7. It is safe for concurrent use;
// the port allocator is serialized behind portMu, and each session's
// state transitions are serialized behind a per-id lock obtained from
// locks.
type Service struct {
	store   Store
	rt      runtime.Runtime
	cfg     Config
	log     *logger.Logger
	events  eventbus.Publisher

	portMu sync.Mutex // serializes port allocation across sessions

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-session write lock, keyed by session id
}

func NewService(store Store, rt runtime.Runtime, cfg Config, log *logger.Logger) *Service {
	return &Service{store: store, rt: rt, cfg: cfg, log: log, locks: make(map[string]*sync.Mutex)}
}

// SetEventPublisher attaches the lifecycle-event sink sessions publish
// status transitions through. Optional: a Service with no publisher
// set simply skips publishing, the way tests construct it.
func (s *Service) SetEventPublisher(p eventbus.Publisher) {
	s.events = p
}

func (s *Service) publish(ctx context.Context, eventType string, sess *Session) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, "octo.session."+eventType, eventbus.NewEvent(eventType, "session", map[string]any{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"status":     string(sess.Status),
	}))
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create implements the reuse-check + create contract: if a running
// session already exists for (userID, workspace), its handle is
// returned unchanged with IsNew=false; otherwise a new session is
// allocated, persisted, and started.
func (s *Service) Create(ctx context.Context, userID, workspace, agentName, image, projectID string, maxAgents int) (*Result, error) {
	if workspace == "" {
		return nil, apperr.Validationf("workspace path is empty")
	}
	if !strings.HasPrefix(workspace, "/") || strings.Contains(workspace, "..") {
		return nil, apperr.Validationf("workspace path %q is not a valid absolute path", workspace)
	}
	if maxAgents <= 0 {
		maxAgents = s.cfg.MaxAgents
	}

	existing, err := s.store.FindRunningForWorkspace(ctx, userID, workspace)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{Session: existing, IsNew: false}, nil
	}

	base, err := s.allocatePorts(ctx, maxAgents)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:             newID(),
		UserID:         userID,
		Workspace:      workspace,
		AgentName:      agentName,
		Image:          image,
		ProjectID:      projectID,
		OpenCodePort:   base,
		FileServerPort: base + 1,
		TTYDPort:       base + 2,
		AgentBasePort:  base + 3,
		MaxAgents:      maxAgents,
		Status:         StatusPending,
		Runtime:        runtimeKindFor(image),
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	if err := s.start(ctx, sess, ""); err != nil {
		return nil, err
	}
	return &Result{Session: sess, IsNew: true}, nil
}

// start drives a pending (or stopped, for resume) session through
// RT.StartSession/ResumeSession and the starting→running transition,
// releasing its ports and marking it failed on any RT error.
func (s *Service) start(ctx context.Context, sess *Session, resumeHandle string) error {
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	req := runtime.StartRequest{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Workspace: sess.Workspace,
		Agent:     sess.AgentName,
		ProjectID: sess.ProjectID,
		Ports: runtime.PortSet{
			OpenCode:   sess.OpenCodePort,
			FileServer: sess.FileServerPort,
			TTYD:       sess.TTYDPort,
			AgentPorts: agentPortList(sess.AgentBasePort, sess.MaxAgents),
		},
	}

	var handle runtime.Handle
	var err error
	if resumeHandle != "" {
		handle, err = s.rt.ResumeSession(ctx, req, runtime.Handle(resumeHandle))
	} else {
		handle, err = s.rt.StartSession(ctx, req)
	}
	if err != nil {
		failMsg := err.Error()
		_ = s.store.UpdateStatus(ctx, sess.ID, StatusFailed, &failMsg)
		sess.Status = StatusFailed
		sess.FailureError = &failMsg
		s.publish(ctx, "failed", sess)
		return apperr.RuntimeFailure(err, "starting session %s", sess.ID)
	}

	if err := s.store.SetHandle(ctx, sess.ID, string(handle)); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, sess.ID, StatusStarting, nil); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, sess.ID, StatusRunning, nil); err != nil {
		return err
	}
	sess.Handle = string(handle)
	sess.Status = StatusRunning
	started := time.Now()
	sess.StartedAt = &started
	s.publish(ctx, "started", sess)
	return nil
}

// Resume finds the most recent stopped, resumable session for
// (userID, workspace), re-allocates ports, and invokes RT.resume.
func (s *Service) Resume(ctx context.Context, userID, workspace string) (*Result, error) {
	sess, err := s.store.FindLatestStoppedForWorkspace(ctx, userID, workspace)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsResumable() {
		return nil, apperr.NotFoundf("no resumable session for workspace %s", workspace)
	}

	base, err := s.allocatePorts(ctx, sess.MaxAgents)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePorts(ctx, sess.ID, base, base+1, base+2, base+3); err != nil {
		return nil, err
	}
	sess.OpenCodePort, sess.FileServerPort, sess.TTYDPort, sess.AgentBasePort = base, base+1, base+2, base+3

	handle := sess.Handle
	if err := s.start(ctx, sess, handle); err != nil {
		return nil, err
	}
	return &Result{Session: sess, IsNew: false}, nil
}

// Stop drives RT.StopSession and persists the running|starting→stopped
// transition. Best-effort: RT failures are logged, not propagated, so
// repeated stop calls are safe.
func (s *Service) Stop(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperr.NotFoundf("session %s not found", id)
	}
	if sess.Status == StatusStopped {
		return nil
	}

	if sess.Handle != "" {
		if err := s.rt.StopSession(ctx, runtime.Handle(sess.Handle), 15); err != nil {
			s.log.Warn("stop session: runtime error, marking stopped anyway",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	stopped := time.Now()
	sess.StoppedAt = &stopped
	if err := s.store.UpdateStatus(ctx, id, StatusStopped, nil); err != nil {
		return err
	}
	sess.Status = StatusStopped
	s.publish(ctx, "stopped", sess)
	return nil
}

// TouchActivity is idempotent and called on every client-observable
// operation against a session.
func (s *Service) TouchActivity(ctx context.Context, id string) error {
	return s.store.TouchActivity(ctx, id, time.Now())
}

// Get returns a single session by id, or nil if it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// ListForUser scopes the running-session listing to one caller, for
// the control surface's "GET /sessions" entry. Empty userID lists
// every active session (admin view).
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	if userID == "" {
		return s.store.ListActive(ctx)
	}
	return s.store.ListRunningForUser(ctx, userID)
}

// ReapIdle stops every running, non-streaming session whose
// last_activity predates the configured idle threshold. Stop failures
// are logged and do not interrupt the sweep.
func (s *Service) ReapIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	idle, err := s.store.ListIdle(ctx, cutoff)
	if err != nil {
		s.log.Warn("idle reaper: list failed", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, sess := range idle {
		if sess.IsStreaming {
			continue
		}
		if err := s.Stop(ctx, sess.ID); err != nil {
			s.log.Warn("idle reaper: stop failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		reaped++
	}
	return reaped
}

// StartupCleanup reconciles every session claimed as running against
// live engine/process inspection: ghosts (the RT reports Exited or
// Unknown) are demoted to stopped and their ports freed so the
// allocator can reuse them immediately.
func (s *Service) StartupCleanup(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for _, sess := range active {
		if sess.Status != StatusRunning || sess.Handle == "" {
			continue
		}
		status, err := s.rt.Inspect(ctx, runtime.Handle(sess.Handle))
		if err != nil {
			s.log.Warn("startup cleanup: inspect failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if status == runtime.StatusRunning {
			continue
		}
		stopped := time.Now()
		sess.StoppedAt = &stopped
		if err := s.store.UpdateStatus(ctx, sess.ID, StatusStopped, nil); err != nil {
			s.log.Warn("startup cleanup: demote failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		demoted++
	}
	return demoted, nil
}

// Upgrade sets a new image on the session record, clears its runtime
// handle, and recreates the workload preserving ports where possible.
// The previous workload is stopped here only after the new one reports
// running, so a failed upgrade never leaves the user without a
// reachable session.
func (s *Service) Upgrade(ctx context.Context, id, newImage string) error {
	lock := s.lockFor(id)
	lock.Lock()
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if sess == nil {
		lock.Unlock()
		return apperr.NotFoundf("session %s not found", id)
	}
	oldHandle := sess.Handle

	if err := s.store.UpdateImageDigest(ctx, id, newImage, ""); err != nil {
		lock.Unlock()
		return err
	}
	if err := s.store.ClearHandle(ctx, id); err != nil {
		lock.Unlock()
		return err
	}
	sess.Image = newImage
	sess.Handle = ""
	lock.Unlock()

	if err := s.start(ctx, sess, ""); err != nil {
		return err
	}

	if oldHandle != "" {
		if err := s.rt.StopSession(ctx, runtime.Handle(oldHandle), 15); err != nil {
			s.log.Warn("upgrade: old workload stop failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// allocatePorts serializes the full list-active + scan-for-gap
// sequence so two concurrent creates can never be handed the same
// base.
func (s *Service) allocatePorts(ctx context.Context, maxAgents int) (int, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return AllocatePortRange(active, s.cfg.PortRangeStart, s.cfg.PortRangeEnd, maxAgents)
}

func agentPortList(base, count int) []int {
	ports := make([]int, count)
	for i := range ports {
		ports[i] = base + i
	}
	return ports
}

func newID() string {
	return uuid.New().String()
}

// runtimeKindFor picks the backend by whether the caller supplied a
// container image: sessions without one run as native process groups.
func runtimeKindFor(image string) RuntimeKind {
	if image == "" {
		return RuntimeLocal
	}
	return RuntimeContainer
}
