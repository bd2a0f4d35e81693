package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject suffixes appended to the configured prefix.
const (
	StepsSubject    = "steps"
	EpisodesSubject = "episodes"
	ErrorsSubject   = "errors"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("cartridge-actor"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close flushes pending messages and closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		if err := n.conn.Flush(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to flush NATS connection")
		}
		n.conn.Close()
	}
}

// Subject returns the full subject for a suffix.
func (n *NATSPublisher) Subject(suffix string) string {
	return n.subject + "." + suffix
}

// PublishStep publishes step events to NATS
func (n *NATSPublisher) PublishStep(ctx context.Context, event StepEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.Subject(StepsSubject)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish step event")
		return err
	}

	// Failed steps are also routed for alerting
	if event.Error != "" {
		routingKey := n.Subject(ErrorsSubject)
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("actor_id", event.ActorID).
		Int64("step", event.Step).
		Str("subject", subject).
		Msg("Published step event")

	return nil
}

// PublishEpisode publishes episode events to NATS
func (n *NATSPublisher) PublishEpisode(ctx context.Context, event EpisodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.Subject(EpisodesSubject)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish episode event")
		return err
	}

	n.logger.Debug().
		Str("actor_id", event.ActorID).
		Int("episode_id", event.EpisodeID).
		Str("subject", subject).
		Msg("Published episode event")

	return nil
}
