package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"log/slog"

	"github.com/shipway-io/shipway/internal/health"
	"github.com/shipway-io/shipway/internal/stage"
	"github.com/shipway-io/shipway/internal/tag"
)

// Stage names in declared pipeline order.
const (
	StageBuild          = "build"
	StageScan           = "scan"
	StagePush           = "push"
	StageManifestUpdate = "manifest-update"
	StageSyncTrigger    = "sync-trigger"
	StageRollback       = "rollback"
)

// ErrMissingCollaborator indicates a required collaborator was not supplied.
var ErrMissingCollaborator = errors.New("pipeline: missing collaborator")

// Options configures one orchestrator. Explicit configuration replaces the
// environment-variable globals the workflow historically relied on.
type Options struct {
	Environment string
	Application string

	Builder  ImageBuilder
	Pusher   ImagePusher
	Manifest ManifestUpdater
	Sync     SyncTrigger
	// Scan is an optional image scan executed between build and push; its
	// failure is recorded but does not halt the pipeline.
	Scan func(ctx context.Context) (string, error)
	// Rollback is optional; when absent a failed verification ends Degraded.
	Rollback RollbackAction

	Revision tag.RevisionProvider
	Probe    health.ProbeFunc

	StageTimeout time.Duration
	Poll         health.Options
}

// Orchestrator sequences tag generation, the stage pipeline and health
// verification into one run and decides the final state. One orchestrator
// drives one logical pipeline at a time; concurrent runs for different
// environments use separate instances and share no state.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	gen    tag.Generator
	runner stage.Runner
	poller *health.Poller
}

// New validates the required collaborators and returns an Orchestrator.
func New(opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if opts.Builder == nil || opts.Pusher == nil || opts.Manifest == nil || opts.Sync == nil {
		return nil, ErrMissingCollaborator
	}
	if opts.Revision == nil || opts.Probe == nil {
		return nil, ErrMissingCollaborator
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger,
		gen:    tag.NewGenerator(nil),
		runner: stage.NewRunner(logger, nil),
		poller: health.NewPoller(opts.Poll, logger),
	}, nil
}

// Run executes the full pipeline. It never returns an error; callers inspect
// Outcome.FinalState. Every terminal state carries the complete stage and
// probe history.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	outcome := Outcome{
		FinalState: StatePending,
		StartedAt:  time.Now().UTC(),
	}

	deployTag, err := o.gen.Generate(ctx, o.opts.Environment, o.opts.Revision)
	if err != nil {
		outcome.Error = err.Error()
		return o.finalize(outcome, StateFailed)
	}
	outcome.Tag = deployTag
	outcome.DeploymentTag = deployTag.String()
	log := o.log().With("deployment_tag", outcome.DeploymentTag, "environment", o.opts.Environment)
	log.Info("pipeline started")

	outcome.FinalState = StateBuilding
	stages := o.buildStages(outcome.DeploymentTag)
	outcome.Stages = o.runner.Run(ctx, stages)
	if !requiredStagesSucceeded(stages, outcome.Stages) {
		log.Error("pipeline failed before verification", "stages_run", len(outcome.Stages))
		return o.finalize(outcome, StateFailed)
	}

	outcome.FinalState = StateVerifying
	log.Info("verifying deployment health", "max_attempts", o.poller.MaxAttempts())
	probes, healthy := o.poller.Poll(ctx, o.opts.Probe)
	outcome.Probes = probes
	if healthy {
		log.Info("deployment verified healthy", "attempts", len(probes))
		return o.finalize(outcome, StateSuccess)
	}

	outcome.FinalState = StateDegraded
	log.Error("health verification exhausted", "attempts", len(probes))
	if o.opts.Rollback == nil || ctx.Err() != nil {
		return o.finalize(outcome, StateDegraded)
	}

	outcome.FinalState = StateRollingBack
	log.Info("rolling back to previous known-good state")
	rollbackResults := o.runner.Run(ctx, []stage.Stage{{
		Name:    StageRollback,
		Kind:    stage.KindRollbackFailure,
		Timeout: o.opts.StageTimeout,
		Run: func(ctx context.Context) (string, error) {
			return o.opts.Rollback.Execute(ctx)
		},
	}})
	outcome.Stages = append(outcome.Stages, rollbackResults...)
	outcome.RollbackAttempted = true
	// Rollback failure is reported through its stage result but does not
	// re-enter the pipeline.
	return o.finalize(outcome, StateRolledBack)
}

func (o *Orchestrator) buildStages(deployTag string) []stage.Stage {
	stages := []stage.Stage{
		{
			Name:    StageBuild,
			Kind:    stage.KindBuildFailure,
			Timeout: o.opts.StageTimeout,
			Run: func(ctx context.Context) (string, error) {
				return o.opts.Builder.Build(ctx, deployTag)
			},
		},
	}
	if o.opts.Scan != nil {
		stages = append(stages, stage.Stage{
			Name:              StageScan,
			Kind:              stage.KindUnknown,
			Timeout:           o.opts.StageTimeout,
			ContinueOnFailure: true,
			Run:               o.opts.Scan,
		})
	}
	stages = append(stages,
		stage.Stage{
			Name:    StagePush,
			Kind:    stage.KindPushFailure,
			Timeout: o.opts.StageTimeout,
			Run: func(ctx context.Context) (string, error) {
				return o.opts.Pusher.Push(ctx, deployTag)
			},
		},
		stage.Stage{
			Name:    StageManifestUpdate,
			Kind:    stage.KindManifestUpdateFailure,
			Timeout: o.opts.StageTimeout,
			Run: func(ctx context.Context) (string, error) {
				return o.opts.Manifest.Update(ctx, deployTag)
			},
		},
		stage.Stage{
			Name:    StageSyncTrigger,
			Kind:    stage.KindSyncTriggerFailure,
			Timeout: o.opts.StageTimeout,
			Run: func(ctx context.Context) (string, error) {
				return o.opts.Sync.Trigger(ctx, o.opts.Application)
			},
		},
	)
	return stages
}

func (o *Orchestrator) finalize(outcome Outcome, state State) Outcome {
	outcome.FinalState = state
	outcome.CompletedAt = time.Now().UTC()
	o.log().Info("pipeline finished", "final_state", string(state), "rollback_attempted", outcome.RollbackAttempted)
	return outcome
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// requiredStagesSucceeded reports whether every declared stage ran and every
// failure belonged to a ContinueOnFailure stage. Results map to stages by
// index because the runner preserves declaration order.
func requiredStagesSucceeded(stages []stage.Stage, results []stage.Result) bool {
	if len(results) != len(stages) {
		return false
	}
	for i, result := range results {
		if !result.Succeeded && !stages[i].ContinueOnFailure {
			return false
		}
	}
	return true
}
