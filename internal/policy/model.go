package policy

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/inference"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/sensor"
)

const tracerName = "github.com/cartridge/inference/internal/policy"

// Options configures a ModelPolicy.
type Options struct {
	Device        model.Device
	Deterministic bool
	Seed          int64
	Logger        *zerolog.Logger
	Tracer        trace.Tracer
}

// ModelPolicy decides actions by running a neural policy through an inference.Runner.
type ModelPolicy struct {
	runner *inference.Runner
	meta   *model.Metadata
	checks []model.FailedCheck
	device model.Device
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewModelPolicy inspects m, validates it against the agent's action spec and sensor
// layout, and prepares a runner. Checks with error severity reject the model with
// model.ErrModelRejected; warnings are logged and kept for Checks.
func NewModelPolicy(ctx context.Context, m model.Model, spec action.Spec, sensors []sensor.ObservationSpec, opts Options) (*ModelPolicy, error) {
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	device := opts.Device
	if device == "" {
		device = model.DeviceCPU
	}
	logger = logger.With().Str("model", m.Name()).Str("device", string(device)).Logger()

	_, span := tracer.Start(ctx, "model.inspect", trace.WithAttributes(
		attribute.String("model.name", m.Name()),
		attribute.String("model.device", string(device)),
		attribute.Bool("model.deterministic", opts.Deterministic),
	))
	defer span.End()

	meta, err := model.Inspect(m, device, opts.Deterministic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inspect failed")
		return nil, fmt.Errorf("failed to inspect model %s: %w", m.Name(), err)
	}
	span.SetAttributes(
		attribute.Int("model.version", meta.Version),
		attribute.Int("model.memory_size", meta.MemorySize),
	)

	checks := model.CheckExpectedTensors(meta, spec, sensors)
	for _, c := range checks {
		if c.Severity == model.SeverityWarning {
			logger.Warn().Str("check", c.Message).Msg("Model check warning")
		}
	}
	if err := model.Err(checks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model rejected")
		logger.Error().Err(err).Msg("Model rejected")
		return nil, err
	}

	runner, err := inference.NewRunner(m, meta, spec, device,
		inference.WithSeed(opts.Seed),
		inference.WithLogger(logger),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "runner failed")
		return nil, err
	}

	logger.Info().
		Int("version", meta.Version).
		Int("memory_size", meta.MemorySize).
		Bool("legacy", meta.Legacy).
		Int("continuous_size", meta.ContinuousOutputSize).
		Int("discrete_size", meta.DiscreteOutputSize).
		Int("warnings", len(checks)).
		Msg("Model loaded")

	return &ModelPolicy{
		runner: runner,
		meta:   meta,
		checks: checks,
		device: device,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Metadata returns the inspected model metadata.
func (p *ModelPolicy) Metadata() *model.Metadata { return p.meta }

// Checks returns the warnings found at load time.
func (p *ModelPolicy) Checks() []model.FailedCheck { return p.checks }

// Device is the device the model runs on.
func (p *ModelPolicy) Device() model.Device { return p.device }

// HasModel reports whether the policy already serves m on device.
func (p *ModelPolicy) HasModel(m model.Model, device model.Device) bool {
	return p.runner.HasModel(m, device)
}

// Request implements Policy.
func (p *ModelPolicy) Request(info inference.AgentInfo) {
	p.runner.PutObservations(info)
}

// Decide implements Policy.
func (p *ModelPolicy) Decide(ctx context.Context) error {
	_, span := p.tracer.Start(ctx, "inference.decide_batch", trace.WithAttributes(
		attribute.Int("inference.batch_size", p.runner.BatchSize()),
	))
	defer span.End()

	if err := p.runner.DecideBatch(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decide batch failed")
		return err
	}
	last := p.runner.LastBatch()
	span.SetAttributes(attribute.Int("inference.finished", last.Finished))
	return nil
}

// Action implements Policy.
func (p *ModelPolicy) Action(episodeID int) action.Buffers {
	return p.runner.GetAction(episodeID)
}

// Close implements Policy.
func (p *ModelPolicy) Close() error {
	return p.runner.Close()
}
