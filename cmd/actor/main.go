package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/actor"
	"github.com/cartridge/inference/internal/cartpole"
	"github.com/cartridge/inference/internal/config"
	"github.com/cartridge/inference/internal/engine"
	"github.com/cartridge/inference/internal/events"
	httpServer "github.com/cartridge/inference/internal/http"
	"github.com/cartridge/inference/internal/metrics"
	"github.com/cartridge/inference/internal/model"
	"github.com/cartridge/inference/internal/policy"
	"github.com/cartridge/inference/internal/sensor"
	"github.com/cartridge/inference/internal/tracing"
)

const serviceName = "cartridge-actor"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "actor",
	Short: "Cartridge inference actor",
	Long: `Actor that steps a group of cartpole agents and batches their decisions
through a policy.

With --model the decisions come from a linear policy file run through the
inference runner; without it actions are random. Step and episode events are
published to NATS when --nats-url is set.`,
	SilenceUsage: true,
	RunE:         runActor,
}

func init() {
	config.RegisterFlags(rootCmd.Flags(), config.Default())
}

func runActor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper(), cmd.Flags())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Str("actor_id", cfg.ActorID).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.New(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: version,
		InstanceID:     cfg.ActorID,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	p, info, name, err := newPolicy(ctx, cfg, tp, &logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			p.Close()
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	collector := metrics.NewCollector(logger)
	actorInstance, err := actor.New(cfg, p, name, publisher, collector, logger)
	if err != nil {
		p.Close()
		return err
	}
	defer actorInstance.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := actorInstance.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			// Limits reached; stop the status surfaces too.
			stop()
		}
		return err
	})

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           httpServer.NewServer(info, collector, actorInstance.Running, &logger).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.StatusAddr).Msg("status HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer := grpc.NewServer()
		healthServer := health.NewServer()
		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)

		g.Go(func() error {
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC health server starting")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().
		Int64("steps", actorInstance.Steps()).
		Int("episodes", actorInstance.Episodes()).
		Msg("Actor stopped gracefully")
	return nil
}

// newPolicy loads the configured linear policy, or falls back to random actions when no
// model path is set.
func newPolicy(ctx context.Context, cfg *config.Config, tp *tracing.Provider, logger *zerolog.Logger) (policy.Policy, *httpServer.ModelInfo, string, error) {
	spec := action.Spec{BranchSizes: []int32{2}}
	if cfg.ModelPath == "" {
		p, err := policy.NewRandom(spec, cfg.Seed)
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to create policy: %w", err)
		}
		return p, nil, "random", nil
	}

	m, err := engine.Load(cfg.ModelPath)
	if err != nil {
		return nil, nil, "", err
	}
	p, err := policy.NewModelPolicy(ctx, m, spec,
		[]sensor.ObservationSpec{sensor.VectorSpec(cartpole.ObservationSize)},
		policy.Options{
			Device:        model.Device(cfg.Device),
			Deterministic: cfg.Deterministic,
			Seed:          cfg.Seed,
			Logger:        logger,
			Tracer:        tp.Tracer("github.com/cartridge/inference/internal/policy"),
		})
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load policy %s: %w", cfg.ModelPath, err)
	}
	info := &httpServer.ModelInfo{Device: p.Device(), Metadata: p.Metadata(), Checks: p.Checks()}
	return p, info, m.Name(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
