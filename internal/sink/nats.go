package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-logforwarder/internal/labels"
)

// NATSConfig configures the NATS sink
type NATSConfig struct {
	URL           string
	SubjectPrefix string // entries go to <prefix>.<level>
	ClientName    string
	Username      string
	Password      string
}

// natsPublisher is the part of *nats.Conn the sink uses
type natsPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSSink republishes entries on NATS subjects keyed by level
type NATSSink struct {
	conn   natsPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink connects to NATS. The client reconnects on its own; publishes
// while disconnected are buffered by nats.go.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("sink: nats url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-sink")

	name := cfg.ClientName
	if name == "" {
		name = "logforwarder"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	logger.Info("connected to NATS server", "url", conn.ConnectedUrl())

	return newNATSSink(conn, cfg.SubjectPrefix, logger), nil
}

func newNATSSink(conn natsPublisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "logs"
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an entry is published on
func (s *NATSSink) Subject(entry labels.Entry) string {
	level := entry.Level
	if level == "" {
		level = labels.LevelInfo
	}
	return s.prefix + "." + level
}

// Write publishes entry as JSON. The Nats-Msg-Id header carries the source
// message id so JetStream drops a broker redelivery of the same message.
func (s *NATSSink) Write(ctx context.Context, entry labels.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	msg := nats.NewMsg(s.Subject(entry))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, messageID(entry))

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// messageID falls back to a random id when the publisher set none; such
// entries cannot be de-duplicated
func messageID(entry labels.Entry) string {
	if entry.ID != "" {
		return entry.ID
	}
	return uuid.NewString()
}

// Close flushes pending publishes and closes the connection
func (s *NATSSink) Close() error {
	err := s.conn.FlushTimeout(2 * time.Second)
	s.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}
