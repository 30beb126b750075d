package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipway-io/shipway/internal/pipeline"
)

// Writer renders a deployment outcome for humans or machines. A failed write
// never alters the outcome's final state; callers log it as a warning.
type Writer interface {
	Write(ctx context.Context, outcome pipeline.Outcome) error
}

// FileWriter persists one JSON report per run under a directory, named
// deployment-report-{tag}.json.
type FileWriter struct {
	dir string
}

// NewFileWriter ensures the report directory exists.
func NewFileWriter(dir string) (*FileWriter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("report directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Write serializes the outcome to its report file.
func (w *FileWriter) Write(_ context.Context, outcome pipeline.Outcome) error {
	if strings.TrimSpace(outcome.DeploymentTag) == "" {
		return fmt.Errorf("outcome has no deployment tag")
	}
	// The tag becomes the file name; separators must never reach the path.
	if strings.ContainsAny(outcome.DeploymentTag, `/\`) {
		return fmt.Errorf("deployment tag %q contains path separators", outcome.DeploymentTag)
	}
	body, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment report: %w", err)
	}
	path := w.Path(outcome.DeploymentTag)
	if err := os.WriteFile(path, append(body, '\n'), 0o644); err != nil {
		return fmt.Errorf("write deployment report: %w", err)
	}
	return nil
}

// Path returns the report file location for a deployment tag.
func (w *FileWriter) Path(deploymentTag string) string {
	return filepath.Join(w.dir, fmt.Sprintf("deployment-report-%s.json", deploymentTag))
}
