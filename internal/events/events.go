package events

import "context"

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishStep(ctx context.Context, payload StepEvent) error
	PublishEpisode(ctx context.Context, payload EpisodeEvent) error
}

// StepEvent is emitted after every decided batch.
type StepEvent struct {
	ActorID   string  `json:"actor_id"`
	Step      int64   `json:"step"`
	BatchSize int     `json:"batch_size"`
	Finished  int     `json:"finished"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// EpisodeEvent is emitted when an agent's episode ends.
type EpisodeEvent struct {
	ActorID   string  `json:"actor_id"`
	EpisodeID int     `json:"episode_id"`
	Steps     int     `json:"steps"`
	Reward    float64 `json:"reward"`
	Policy    string  `json:"policy"`
}

// NoopPublisher logs nothing; useful for tests.
type NoopPublisher struct{}

// PublishStep satisfies Publisher.
func (NoopPublisher) PublishStep(context.Context, StepEvent) error { return nil }

// PublishEpisode satisfies Publisher.
func (NoopPublisher) PublishEpisode(context.Context, EpisodeEvent) error { return nil }
