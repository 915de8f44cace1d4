package eventbus

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/logger"
)

// MemoryPublisher is the local-mode fallback when no NATS URL is
// configured: it logs events instead of delivering them anywhere,
// for single-process development and tests.
type MemoryPublisher struct {
	log *logger.Logger
}

func NewMemoryPublisher(log *logger.Logger) *MemoryPublisher {
	return &MemoryPublisher{log: log}
}

func (p *MemoryPublisher) Publish(_ context.Context, subject string, event *Event) {
	p.log.Debug("lifecycle event",
		zap.String("subject", subject),
		zap.String("type", event.Type),
		zap.String("event_id", event.ID),
	)
}

func (p *MemoryPublisher) Close() {}
