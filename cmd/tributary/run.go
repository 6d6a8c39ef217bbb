package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-io/tributary/internal/commitlog"
	"github.com/tributary-io/tributary/internal/config"
	"github.com/tributary-io/tributary/internal/dlq"
	"github.com/tributary-io/tributary/internal/health"
	"github.com/tributary-io/tributary/internal/logging"
	"github.com/tributary-io/tributary/internal/masking"
	"github.com/tributary-io/tributary/internal/offsets"
	"github.com/tributary-io/tributary/internal/pipeline"
	"github.com/tributary-io/tributary/internal/schemawatch"
	"github.com/tributary-io/tributary/internal/sink"
	"github.com/tributary-io/tributary/internal/telemetry"
	"github.com/tributary-io/tributary/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replicator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplicator(cmd.Context())
	},
}

func runReplicator(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitWith(exitInvalidConfig, err)
	}
	if err := logging.Setup(cfg.Observability.LogLevel, cfg.Observability.LogFormat); err != nil {
		return exitWith(exitInvalidConfig, err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, cfg.Observability.TracingEnabled,
		cfg.Observability.TracingEndpoint, "tributary", Version); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	reader := commitlog.NewReader(cfg.Source.CommitLogDir, cfg.Source.Keyspace,
		cfg.Source.Tables, cfg.Source.PollInterval())
	if err := reader.CheckDir(); err != nil {
		return exitWith(exitSourceUnreachable, err)
	}

	catalog := schemawatch.NewFileCatalog(cfg.Schema.Manifest)
	watcher := schemawatch.New(catalog, cfg.Source.Keyspace, cfg.Source.Tables,
		cfg.Schema.PollInterval())
	if err := watcher.Prime(ctx); err != nil {
		return exitWith(exitSourceUnreachable, fmt.Errorf("prime schema catalog: %w", err))
	}

	mgr := offsets.NewManager()
	sinks, err := buildSinks(ctx, cfg, mgr)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()

	masker := masking.New(cfg.Masking.PIIPatterns, cfg.Masking.PHIPatterns,
		[]byte(cfg.Masking.Salt), []byte(cfg.Masking.Key), cfg.Masking.KeyID,
		masking.LogAuditor{})

	dlqWriter, err := dlq.NewWriter(cfg.DLQ.Dir)
	if err != nil {
		return exitWith(exitFatal, err)
	}
	defer dlqWriter.Close()

	p := pipeline.New(cfg, reader, watcher, masker, sinks, mgr, dlqWriter)
	srv := health.NewServer(cfg.Observability.ListenAddr, p)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		if types.CategoryOf(err) == types.CategoryFatal {
			return exitWith(exitFatal, err)
		}
		return err
	}
	return nil
}

// buildSinks connects every enabled destination and seeds the offset
// manager with its stored positions.
func buildSinks(ctx context.Context, cfg *config.Config, mgr *offsets.Manager) ([]sink.Sink, error) {
	var sinks []sink.Sink
	workers := cfg.Pipeline.WorkersPerDestination
	for _, dest := range cfg.EnabledDestinations() {
		dc := cfg.Destinations[string(dest)]
		var s sink.Sink
		switch dest {
		case types.DestPostgres:
			s = sink.NewPostgres(dc.DSN(), workers, mgr)
		case types.DestTimescaleDB:
			s = sink.NewTimescale(dc.DSN(), workers, mgr)
		case types.DestClickHouse:
			s = sink.NewClickHouse(
				fmt.Sprintf("%s:%d", dc.Host, dc.Port),
				dc.Database, dc.Username, dc.Password, workers, mgr)
		}

		if err := s.Connect(ctx); err != nil {
			for _, prev := range sinks {
				prev.Close()
			}
			return nil, fmt.Errorf("connect %s: %w", dest, err)
		}
		offs, err := s.LoadOffsets(ctx)
		if err != nil {
			for _, prev := range sinks {
				prev.Close()
			}
			s.Close()
			return nil, fmt.Errorf("load offsets from %s: %w", dest, err)
		}
		mgr.Load(offs)
		log.WithFields(log.Fields{
			"destination": dest,
			"offsets":     len(offs),
		}).Info("destination connected")
		sinks = append(sinks, s)
	}
	return sinks, nil
}
