// Package invite implements atomic, single-use (or finite-use)
// registration invite codes: a compound consume that decrements
// uses_remaining, records the consumer, and stamps last-used in one
// statement, gated so concurrent consumers can never over-spend a
// code; plus a companion restore for rollback when a downstream step
// (e.g. Linux account creation) fails after the code was consumed.
package invite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/octo/internal/common/apperr"
)

// Reason distinguishes why a consume attempt failed when the atomic
// UPDATE affects zero rows.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonExhausted Reason = "exhausted"
	ReasonExpired   Reason = "expired"
)

// Code is a registration invite code.
type Code struct {
	ID            string
	Code          string
	CreatedBy     string
	UsedBy        *string
	UsesRemaining int
	MaxUses       int
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	Note          *string
}

// IsExhausted reports whether the code has no uses left.
func (c *Code) IsExhausted() bool { return c.UsesRemaining <= 0 }

// IsExpired reports whether the code's expiry has passed.
func (c *Code) IsExpired() bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now())
}

// IsValid reports whether the code can still be consumed.
func (c *Code) IsValid() bool { return !c.IsExhausted() && !c.IsExpired() }

// CreateRequest describes a new invite code to mint.
type CreateRequest struct {
	Code         string // optional; generated if empty
	MaxUses      int
	ExpiresInSec *int64
	Note         *string
}

// Store is the persistence contract for invite codes. Implementations
// must make ConsumeAtomic a single compound statement so concurrency
// property (§8.4) holds without any in-process locking.
type Store interface {
	Create(ctx context.Context, id, code string, req CreateRequest, createdBy string) (*Code, error)
	Get(ctx context.Context, id string) (*Code, error)
	GetByCode(ctx context.Context, code string) (*Code, error)
	List(ctx context.Context) ([]*Code, error)
	// ConsumeAtomic attempts the compound decrement+record update.
	// Returns the number of rows affected by the UPDATE (0 or 1).
	ConsumeAtomic(ctx context.Context, code, userID string) (rowsAffected int, err error)
	RestoreUse(ctx context.Context, code string) error
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Service wraps a Store with the invite-code business rules.
type Service struct {
	store Store
}

func NewService(store Store) *Service { return &Service{store: store} }

// Create mints a new invite code, generating an id/code if not supplied.
func (s *Service) Create(ctx context.Context, req CreateRequest, createdBy string) (*Code, error) {
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}
	id := "inv_" + uuid.NewString()[:12]
	code := req.Code
	if code == "" {
		code = uuid.NewString()[:8]
	}
	return s.store.Create(ctx, id, code, req, createdBy)
}

// Consume atomically validates and consumes code on behalf of userID.
// On success it returns the invite's id. On failure it returns a
// *apperr.Error of Kind Conflict whose Reason field is one of
// ReasonNotFound/ReasonExhausted/ReasonExpired.
func (s *Service) Consume(ctx context.Context, code, userID string) (string, error) {
	rows, err := s.store.ConsumeAtomic(ctx, code, userID)
	if err != nil {
		return "", apperr.Internalf("consume invite code: %v", err)
	}
	if rows > 0 {
		inv, err := s.store.GetByCode(ctx, code)
		if err != nil || inv == nil {
			return "", apperr.Internalf("invite code not found after consumption")
		}
		return inv.ID, nil
	}

	// Zero rows affected: probe to classify why, without racing the
	// decision against another consumer (the UPDATE already happened
	// or didn't; this read only labels the outcome for the caller).
	inv, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return "", apperr.Internalf("consume invite code: %v", err)
	}
	if inv == nil {
		return "", invErr(ReasonNotFound, "invite code not found")
	}
	if inv.IsExhausted() {
		return "", invErr(ReasonExhausted, "invite code has been fully used")
	}
	if inv.IsExpired() {
		return "", invErr(ReasonExpired, "invite code has expired")
	}
	return "", invErr(ReasonNotFound, "invite code is invalid")
}

func invErr(reason Reason, msg string) *apperr.Error {
	return apperr.ConflictReason(string(reason), "%s", msg)
}

// RestoreUse adds back one use, for rollback after a downstream
// failure following a successful consume. Silent no-op if the code is
// already at max uses or doesn't exist.
func (s *Service) RestoreUse(ctx context.Context, code string) error {
	return s.store.RestoreUse(ctx, code)
}

// Revoke zeroes a code's remaining uses.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.store.Revoke(ctx, id)
}

// Delete removes a code entirely.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// List returns all invite codes (admin operation).
func (s *Service) List(ctx context.Context) ([]*Code, error) {
	return s.store.List(ctx)
}

// Get returns a single invite code by id.
func (s *Service) Get(ctx context.Context, id string) (*Code, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Internalf("get invite code: %v", err)
	}
	if inv == nil {
		return nil, apperr.NotFoundf("invite code %q not found", id)
	}
	return inv, nil
}
