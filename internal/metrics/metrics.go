package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is a point-in-time copy of the actor counters.
type Snapshot struct {
	Steps            int64     `json:"steps"`
	Decisions        int64     `json:"decisions"`
	EpisodesFinished int64     `json:"episodes_finished"`
	DecisionErrors   int64     `json:"decision_errors"`
	LastBatchSize    int       `json:"last_batch_size"`
	LastLatencyMS    float64   `json:"last_latency_ms"`
	MeanEpisodeSteps float64   `json:"mean_episode_steps"`
	MeanReward       float64   `json:"mean_reward"`
	StartedAt        time.Time `json:"started_at"`
}

// Metrics collector for actor operations
type Collector struct {
	logger zerolog.Logger

	mu          sync.Mutex
	snap        Snapshot
	totalSteps  int64
	totalReward float64
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
		snap:   Snapshot{StartedAt: time.Now().UTC()},
	}
}

// Track decided batches
func (c *Collector) BatchDecided(step int64, batchSize, finished int, latency time.Duration) {
	c.mu.Lock()
	c.snap.Steps++
	c.snap.Decisions += int64(batchSize - finished)
	c.snap.LastBatchSize = batchSize
	c.snap.LastLatencyMS = float64(latency) / float64(time.Millisecond)
	c.mu.Unlock()

	c.logger.Debug().
		Str("metric", "batch_decided").
		Int64("step", step).
		Int("batch_size", batchSize).
		Int("finished", finished).
		Dur("latency", latency).
		Msg("Batch metric")
}

// Track failed decisions
func (c *Collector) DecisionFailed(step int64, err error) {
	c.mu.Lock()
	c.snap.DecisionErrors++
	c.mu.Unlock()

	c.logger.Error().
		Str("metric", "decision_failed").
		Int64("step", step).
		Err(err).
		Msg("Decision failure metric")
}

// Track finished episodes
func (c *Collector) EpisodeFinished(episodeID, steps int, reward float64) {
	c.mu.Lock()
	c.snap.EpisodesFinished++
	c.totalSteps += int64(steps)
	c.totalReward += reward
	c.snap.MeanEpisodeSteps = float64(c.totalSteps) / float64(c.snap.EpisodesFinished)
	c.snap.MeanReward = c.totalReward / float64(c.snap.EpisodesFinished)
	c.mu.Unlock()

	c.logger.Info().
		Str("metric", "episode_finished").
		Int("episode_id", episodeID).
		Int("steps", steps).
		Float64("reward", reward).
		Msg("Episode metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
