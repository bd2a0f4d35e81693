package actor

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/cartpole"
	"github.com/cartridge/inference/internal/config"
	"github.com/cartridge/inference/internal/events"
	"github.com/cartridge/inference/internal/inference"
	"github.com/cartridge/inference/internal/metrics"
	"github.com/cartridge/inference/internal/policy"
	"github.com/cartridge/inference/internal/sensor"
)

// agent is one cartpole scene requesting decisions from the shared policy.
type agent struct {
	env     *cartpole.Env
	sensors []sensor.Sensor

	episodeID int
	steps     int
	reward    float64
	done      bool
	stored    action.Buffers
}

// Actor steps a group of agents in lockstep, batching their decisions through a policy.
type Actor struct {
	cfg        *config.Config
	policy     policy.Policy
	policyName string
	publisher  events.Publisher
	metrics    *metrics.Collector
	logger     zerolog.Logger

	agents      []*agent
	nextEpisode int

	// Episode tracking
	step         int64
	episodeCount int
	running      atomic.Bool
}

// New creates cfg.NumAgents agents whose environments are seeded from cfg.Seed.
func New(cfg *config.Config, p policy.Policy, policyName string, publisher events.Publisher, collector *metrics.Collector, logger zerolog.Logger) (*Actor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if collector == nil {
		collector = metrics.NewCollector(logger)
	}

	a := &Actor{
		cfg:        cfg,
		policy:     p,
		policyName: policyName,
		publisher:  publisher,
		metrics:    collector,
		logger:     logger.With().Str("actor_id", cfg.ActorID).Str("policy", policyName).Logger(),
	}
	for i := 0; i < cfg.NumAgents; i++ {
		env := cartpole.NewEnv(rand.New(rand.NewSource(cfg.Seed + int64(i))))
		a.agents = append(a.agents, &agent{
			env:       env,
			sensors:   []sensor.Sensor{cartpole.NewSensor(env)},
			episodeID: a.newEpisodeID(),
		})
	}

	a.logger.Info().Int("agents", cfg.NumAgents).Msg("Actor initialized")
	return a, nil
}

func (a *Actor) newEpisodeID() int {
	a.nextEpisode++
	return a.nextEpisode
}

// Running reports whether Run is stepping the agents.
func (a *Actor) Running() bool {
	return a.running.Load()
}

// Steps is the number of batches decided so far.
func (a *Actor) Steps() int64 {
	return a.step
}

// Episodes is the number of finished episodes.
func (a *Actor) Episodes() int {
	return a.episodeCount
}

// Close releases the policy.
func (a *Actor) Close() error {
	return a.policy.Close()
}

// Step requests a decision for every agent, decides them as one batch and applies the
// actions. Agents whose episode ended on the previous step report their final state,
// then start a new episode instead of acting.
func (a *Actor) Step(ctx context.Context) error {
	a.step++
	finished := 0
	for _, ag := range a.agents {
		if ag.done {
			finished++
		}
		a.policy.Request(inference.AgentInfo{
			EpisodeID:     ag.episodeID,
			Done:          ag.done,
			StoredActions: ag.stored,
			Sensors:       ag.sensors,
		})
	}

	start := time.Now()
	err := a.policy.Decide(ctx)
	latency := time.Since(start)

	event := events.StepEvent{
		ActorID:   a.cfg.ActorID,
		Step:      a.step,
		BatchSize: len(a.agents),
		Finished:  finished,
		LatencyMS: float64(latency) / float64(time.Millisecond),
	}
	if err != nil {
		event.Error = err.Error()
		a.metrics.DecisionFailed(a.step, err)
		a.publish(ctx, event)
		return fmt.Errorf("step %d: %w", a.step, err)
	}
	a.metrics.BatchDecided(a.step, len(a.agents), finished, latency)
	a.publish(ctx, event)

	for _, ag := range a.agents {
		if ag.done {
			a.finishEpisode(ctx, ag)
			continue
		}
		acts := a.policy.Action(ag.episodeID)
		_, reward, done := ag.env.Step(pushFor(acts))
		ag.steps++
		ag.reward += reward
		ag.done = done
		ag.stored = acts.Clone()
	}
	return nil
}

func (a *Actor) finishEpisode(ctx context.Context, ag *agent) {
	a.episodeCount++
	a.metrics.EpisodeFinished(ag.episodeID, ag.steps, ag.reward)
	if err := a.publisher.PublishEpisode(ctx, events.EpisodeEvent{
		ActorID:   a.cfg.ActorID,
		EpisodeID: ag.episodeID,
		Steps:     ag.steps,
		Reward:    ag.reward,
		Policy:    a.policyName,
	}); err != nil {
		a.logger.Warn().Err(err).Int("episode_id", ag.episodeID).Msg("Failed to publish episode event")
	}

	ag.env.Reset()
	ag.episodeID = a.newEpisodeID()
	ag.steps = 0
	ag.reward = 0
	ag.done = false
	ag.stored = action.Empty
}

func (a *Actor) publish(ctx context.Context, event events.StepEvent) {
	if err := a.publisher.PublishStep(ctx, event); err != nil {
		a.logger.Warn().Err(err).Int64("step", event.Step).Msg("Failed to publish step event")
	}
}

// pushFor maps a decision to a cartpole push. Without a decision the cart is pushed left.
func pushFor(b action.Buffers) int {
	switch {
	case len(b.Discrete) > 0:
		return int(b.Discrete[0])
	case len(b.Continuous) > 0 && b.Continuous[0] > 0:
		return cartpole.PushRight
	}
	return cartpole.PushLeft
}

// Run steps until ctx is cancelled or a step or episode limit is reached.
func (a *Actor) Run(ctx context.Context) error {
	a.logger.Info().Msg("Actor starting main loop")
	a.running.Store(true)
	defer a.running.Store(false)

	var tick <-chan time.Time
	if a.cfg.StepInterval > 0 {
		ticker := time.NewTicker(a.cfg.StepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Context cancelled, stopping actor")
			return ctx.Err()
		default:
		}

		if a.cfg.MaxSteps > 0 && a.step >= int64(a.cfg.MaxSteps) {
			a.logger.Info().Int("max_steps", a.cfg.MaxSteps).Msg("Reached maximum steps, stopping")
			return nil
		}
		if a.cfg.MaxEpisodes > 0 && a.episodeCount >= a.cfg.MaxEpisodes {
			a.logger.Info().Int("max_episodes", a.cfg.MaxEpisodes).Msg("Reached maximum episodes, stopping")
			return nil
		}

		if err := a.Step(ctx); err != nil {
			return err
		}
		if a.episodeCount > 0 && a.step%100 == 0 {
			snap := a.metrics.Snapshot()
			a.logger.Info().
				Int64("step", a.step).
				Int("episodes", a.episodeCount).
				Float64("mean_reward", snap.MeanReward).
				Msg("Progress")
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
}
