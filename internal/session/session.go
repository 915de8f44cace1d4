// Package session implements the Session Orchestrator: the state
// machine, port allocator, and lifecycle operations (create, reuse,
// resume, stop, idle-reap, startup cleanup, upgrade) that sit between
// the API gateway and the Runtime Adapter.
package session

import (
	"context"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// RuntimeKind selects which Runtime Adapter backend a session uses.
type RuntimeKind string

const (
	RuntimeContainer RuntimeKind = "container"
	RuntimeLocal     RuntimeKind = "local"
)

// Session is the persisted record for one workspace session.
type Session struct {
	ID            string
	HumanID       string
	UserID        string
	Workspace     string
	AgentName     string
	Image         string
	ImageDigest   string
	ProjectID     string

	OpenCodePort   int
	FileServerPort int
	TTYDPort       int
	AgentBasePort  int
	MaxAgents      int
	MemoryPort     *int

	APIKeyID      string
	APIKeyHash    string
	VirtualKey    string

	Status      Status
	Runtime     RuntimeKind
	Handle      string // opaque runtime handle: pid triple or container id
	IsStreaming bool

	CreatedAt    time.Time
	StartedAt    *time.Time
	StoppedAt    *time.Time
	LastActivity time.Time
	FailureError *string
}

// PortTriple returns the three standard service ports.
func (s *Session) PortTriple() [3]int {
	return [3]int{s.OpenCodePort, s.FileServerPort, s.TTYDPort}
}

// AgentPortRange returns the [start, end) half-open agent sub-port
// window reserved after the port triple.
func (s *Session) AgentPortRange() (start, end int) {
	return s.AgentBasePort, s.AgentBasePort + s.MaxAgents
}

// IsResumable reports whether a stopped session can be resumed: it
// must have a runtime handle from its last run.
func (s *Session) IsResumable() bool {
	return s.Status == StatusStopped && s.Handle != ""
}

// Store is the persistence contract for sessions. Schema/migration
// ownership belongs to the out-of-scope "session store" collaborator;
// this interface is the shape the orchestrator needs from it.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByHandle(ctx context.Context, handle string) (*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
	ListRunningForUser(ctx context.Context, userID string) ([]*Session, error)
	ListIdle(ctx context.Context, idleSince time.Time) ([]*Session, error)
	FindRunningForWorkspace(ctx context.Context, userID, workspace string) (*Session, error)
	FindLatestStoppedForWorkspace(ctx context.Context, userID, workspace string) (*Session, error)

	UpdateStatus(ctx context.Context, id string, status Status, failureErr *string) error
	SetHandle(ctx context.Context, id, handle string) error
	UpdatePorts(ctx context.Context, id string, opencode, fileserver, ttyd, agentBase int) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	SetStreaming(ctx context.Context, id string, streaming bool) error
	UpdateImageDigest(ctx context.Context, id, image, digest string) error
	ClearHandle(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
