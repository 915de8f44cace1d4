package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/logger"
)

// NATSPublisher publishes lifecycle events over a NATS connection with
// reconnect buffering and status handlers, narrowed to a publish-only
// client.
type NATSPublisher struct {
	conn *nats.Conn
	log  *logger.Logger
}

func NewNATSPublisher(cfg config.NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSPublisher{conn: conn, log: log}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal lifecycle event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Error("publish lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("drain nats connection", zap.Error(err))
		p.conn.Close()
	}
}
