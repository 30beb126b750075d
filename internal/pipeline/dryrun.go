package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shipway-io/shipway/internal/health"
)

// DryRun satisfies every collaborator interface without side effects,
// recording what each stage would have done.
type DryRun struct{}

func (DryRun) Build(_ context.Context, tag string) (string, error) {
	return fmt.Sprintf("dry-run: would build image %s", tag), nil
}

func (DryRun) Push(_ context.Context, tag string) (string, error) {
	return fmt.Sprintf("dry-run: would push image %s", tag), nil
}

func (DryRun) Update(_ context.Context, tag string) (string, error) {
	return fmt.Sprintf("dry-run: would set manifest image tag to %s", tag), nil
}

func (DryRun) Trigger(_ context.Context, application string) (string, error) {
	return fmt.Sprintf("dry-run: would trigger sync of application %s", application), nil
}

func (DryRun) Execute(context.Context) (string, error) {
	return "dry-run: would roll back to previous known-good state", nil
}

// Probe reports a healthy endpoint so a dry run always verifies.
func (DryRun) Probe(context.Context) (health.ProbeResponse, error) {
	return health.ProbeResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"status":"healthy"}`),
	}, nil
}
