package pipeline

import (
	"context"
	"time"

	"github.com/shipway-io/shipway/internal/health"
	"github.com/shipway-io/shipway/internal/stage"
	"github.com/shipway-io/shipway/internal/tag"
)

// State is the orchestrator's position in the deployment state machine.
type State string

const (
	StatePending     State = "pending"
	StateBuilding    State = "building"
	StateVerifying   State = "verifying"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
	StateDegraded    State = "degraded"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
)

// Terminal reports whether the state ends a pipeline run.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateDegraded, StateRolledBack:
		return true
	}
	return false
}

// ExitCode maps a terminal state to the process exit code: 0 for success,
// 2 when a rollback occurred, 1 for everything else.
func (s State) ExitCode() int {
	switch s {
	case StateSuccess:
		return 0
	case StateRolledBack:
		return 2
	default:
		return 1
	}
}

// Collaborator boundaries. Concrete docker/argocd/manifest implementations
// live in their own packages; the orchestrator only sees these.
type (
	// ImageBuilder builds and tags a container image.
	ImageBuilder interface {
		Build(ctx context.Context, tag string) (string, error)
	}
	// ImagePusher pushes the tagged image to a registry.
	ImagePusher interface {
		Push(ctx context.Context, tag string) (string, error)
	}
	// ManifestUpdater rewrites a deployment manifest's image-tag field.
	ManifestUpdater interface {
		Update(ctx context.Context, tag string) (string, error)
	}
	// SyncTrigger requests the GitOps controller to reconcile.
	SyncTrigger interface {
		Trigger(ctx context.Context, application string) (string, error)
	}
	// RollbackAction reverts to the previous known-good state.
	RollbackAction interface {
		Execute(ctx context.Context) (string, error)
	}
)

// Outcome is the finalized record of one pipeline run. It is built
// incrementally by the orchestrator, finalized exactly once, and immutable
// afterwards.
type Outcome struct {
	Tag               tag.Tag          `json:"tag"`
	DeploymentTag     string           `json:"deployment_tag"`
	Stages            []stage.Result   `json:"stages"`
	Probes            []health.Attempt `json:"probes"`
	FinalState        State            `json:"final_state"`
	RollbackAttempted bool             `json:"rollback_attempted"`
	Error             string           `json:"error,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
}
