package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// NatsSink publishes caption messages on a NATS subject
type NatsSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNatsSink connects to the NATS servers at url, retrying with backoff
func NewNatsSink(ctx context.Context, url, subject string, reconnect *resilience.ReconnectConfig) (*NatsSink, error) {
	if url == "" {
		return nil, errors.New("no NATS servers configured")
	}
	logger := observability.Component("nats_sink")

	options := []nats.Option{
		nats.Name("caption-gateway"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("server", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}

	var conn *nats.Conn
	connect := func(ctx context.Context) error {
		c, err := nats.Connect(url, options...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := resilience.Reconnect(ctx, "nats", connect, reconnect); err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("servers", url).Str("subject", subject).Msg("Connected caption sink")
	return &NatsSink{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends msg as JSON on the subject. The client buffers while reconnecting.
func (s *NatsSink) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		observability.RecordError("publish", "nats_sink")
		return fmt.Errorf("publish to nats subject %s: %w", s.subject, err)
	}
	return nil
}

// Check reports whether the connection is up, for readiness probes
func (s *NatsSink) Check(ctx context.Context) (bool, error) {
	if status := s.conn.Status(); status != nats.CONNECTED {
		return false, fmt.Errorf("nats connection %s", status)
	}
	return true, nil
}

// Close drains and closes the connection
func (s *NatsSink) Close() {
	s.logger.Info().Msg("Closing NATS connection")
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
