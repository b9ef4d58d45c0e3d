package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/anvillabs/crucible/internal/models"
)

// NATSPublisher mirrors build events onto a NATS subject per build, for
// consumers outside this process. Publishing is best effort: a failed or
// slow broker never affects the build emitting the event.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to NATS. subjectPrefix is the subject root,
// typically "crucible.builds"; each event goes to "<prefix>.<buildID>".
func NewNATSPublisher(url, subjectPrefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("nats subject prefix is required")
	}

	conn, err := nats.Connect(url, nats.Name("crucible"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	logger.Info("nats publisher connected", "url", url, "subject_prefix", subjectPrefix)

	return &NATSPublisher{
		conn:    conn,
		subject: subjectPrefix,
		logger:  logger,
	}, nil
}

// Publish mirrors one event. Marshal or broker failures are logged and
// dropped.
func (p *NATSPublisher) Publish(event *models.Event) {
	if event == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshaling event for nats", "build_id", event.BuildID, "error", err)
		return
	}

	if err := p.conn.Publish(subjectFor(p.subject, event.BuildID), data); err != nil {
		p.logger.Warn("publishing event to nats", "build_id", event.BuildID, "error", err)
	}
}

// subjectFor builds the per-build subject. Events without a build ID go to
// the prefix itself.
func subjectFor(prefix, buildID string) string {
	if buildID == "" {
		return prefix
	}
	return prefix + "." + buildID
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		if err := p.conn.Flush(); err != nil {
			p.logger.Warn("flushing nats connection", "error", err)
		}
		p.conn.Close()
	}
	return nil
}
