package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shipway-io/shipway/internal/config"
	httpx "github.com/shipway-io/shipway/internal/http"
	"github.com/shipway-io/shipway/internal/logger"
	"github.com/shipway-io/shipway/internal/pipeline"
	"github.com/shipway-io/shipway/internal/report"
)

const shutdownGrace = 10 * time.Second

// ErrRunInProgress indicates a deployment is already executing.
var ErrRunInProgress = errors.New("deployment already in progress")

func runServe(args []string) int {
	cfg := config.Load()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Environment, "environment", cfg.Environment, "target environment name")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "accept deployments without side effects")
	fs.Parse(args)

	log := logger.New("shipway", logger.ParseLevel(cfg.LogLevel))

	svc := &deployService{cfg: cfg, logger: log}
	router := httpx.New(log, svc)
	svc.record = router.RecordOutcome

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving deployments", "addr", cfg.Addr, "environment", cfg.Environment, "dry_run", cfg.DryRun)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return 1
	}
	svc.wait()
	log.Info("server stopped")
	return 0
}

// deployService runs pipelines on request. One run executes at a time; a
// second request while a run is active is rejected.
type deployService struct {
	cfg    config.Config
	logger *slog.Logger
	record func(finalState string)

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// Start launches a pipeline run in the background and returns its run id.
func (s *deployService) Start(context.Context) (httpx.StartResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return httpx.StartResult{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	runID := uuid.NewString()
	log := s.logger.With("run_id", runID)

	opts, cleanup, err := buildOptions(s.cfg, "")
	if err != nil {
		s.finish()
		cleanup()
		return httpx.StartResult{}, err
	}
	orch, err := pipeline.New(opts, log)
	if err != nil {
		s.finish()
		cleanup()
		return httpx.StartResult{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish()
		defer cleanup()
		ctx := context.Background()
		if s.cfg.PipelineTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.PipelineTimeout)
			defer cancel()
		}
		outcome := orch.Run(ctx)
		if s.record != nil {
			s.record(string(outcome.FinalState))
		}
		s.persist(ctx, log, outcome)
	}()

	return httpx.StartResult{
		RunID:       runID,
		Environment: s.cfg.Environment,
		Status:      "accepted",
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Health reports whether the service can accept a deployment right now.
func (s *deployService) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	return nil
}

func (s *deployService) persist(ctx context.Context, log *slog.Logger, outcome pipeline.Outcome) {
	writer, err := report.NewFileWriter(s.cfg.ReportDir)
	if err != nil {
		log.Warn("report writer unavailable", "error", err)
	} else if outcome.DeploymentTag != "" {
		if err := writer.Write(ctx, outcome); err != nil {
			log.Warn("failed to write deployment report", "error", err)
		}
	}
	notifyWebhook(ctx, s.cfg, log, outcome)
	log.Info("run finished", "final_state", string(outcome.FinalState), "deployment_tag", outcome.DeploymentTag)
}

func (s *deployService) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *deployService) wait() {
	s.wg.Wait()
}

var _ httpx.DeployStarter = (*deployService)(nil)
