package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"pi-plinko-backend/internal/logger"
)

const (
	EventBetSettled         = "bet.settled"
	EventBetFailed          = "bet.failed"
	EventSeedRotated        = "seed.rotated"
	EventLeaderboardUpdated = "leaderboard.updated"
)

type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
}

// Publisher fans domain events out to reconciliation and live feeds. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MultiPublisher delivers to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATSPublisher emits events to "<prefix>.<type>" subjects.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	return nats.Connect(url,
		nats.Name("pi-plinko-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("Disconnected from NATS", logger.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
}

func NewNATSPublisher(conn *nats.Conn, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix}
}

func (p *NATSPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.subjectPrefix, eventType)
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(evt.Type), data)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
