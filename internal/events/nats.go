package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix prefixes every bridged event subject, e.g. arena.offer.accepted.
const SubjectPrefix = "arena."

// NATSSink forwards events to NATS so the rest of the platform (battle
// setup, admin analytics) can consume them.
type NATSSink struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials url and returns a sink publishing on it.
func ConnectNATS(url string, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("coderspae-arena"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{nc: nc, logger: logger}, nil
}

func Subject(k Kind) string {
	return SubjectPrefix + string(k)
}

func (s *NATSSink) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encoding event", "kind", e.Kind, "error", err)
		return
	}
	if err := s.nc.Publish(Subject(e.Kind), data); err != nil {
		s.logger.Warn("publishing event to nats", "kind", e.Kind, "error", err)
	}
}

// Check reports whether the connection is usable; it satisfies health.Checker.
func (s *NATSSink) Check(_ context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats status %s", s.nc.Status())
	}
	return nil
}

func (s *NATSSink) Close() {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}
