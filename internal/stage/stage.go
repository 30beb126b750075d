package stage

import (
	"context"
	"errors"
	"time"

	"log/slog"
)

// ErrorKind classifies a failed stage for the deployment report.
type ErrorKind string

const (
	KindBuildFailure          ErrorKind = "build_failure"
	KindPushFailure           ErrorKind = "push_failure"
	KindManifestUpdateFailure ErrorKind = "manifest_update_failure"
	KindSyncTriggerFailure    ErrorKind = "sync_trigger_failure"
	KindTimeout               ErrorKind = "timeout"
	KindRollbackFailure       ErrorKind = "rollback_failure"
	KindUnknown               ErrorKind = "unknown"
)

// Stage is one named step of the deployment pipeline. The closure carries all
// side effects; the runner knows nothing about docker, kubectl or helm.
type Stage struct {
	Name              string
	Kind              ErrorKind
	Run               func(ctx context.Context) (output string, err error)
	Timeout           time.Duration
	ContinueOnFailure bool
}

// Result records one executed stage. Results are appended in execution order
// and never edited after creation.
type Result struct {
	Stage      string    `json:"stage"`
	Succeeded  bool      `json:"succeeded"`
	DurationMS int64     `json:"duration_ms"`
	Output     string    `json:"output,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Runner executes stages strictly in declared order, stopping at the first
// failure unless the failed stage is marked ContinueOnFailure.
type Runner struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner returns a Runner. A nil clock falls back to time.Now.
func NewRunner(logger *slog.Logger, now func() time.Time) Runner {
	if now == nil {
		now = time.Now
	}
	return Runner{logger: logger, now: now}
}

// Run executes the stages in order. Stages that were never attempted because
// an earlier stage failed are absent from the returned slice.
func (r Runner) Run(ctx context.Context, stages []Stage) []Result {
	results := make([]Result, 0, len(stages))
	for _, st := range stages {
		if ctx.Err() != nil {
			break
		}
		if r.logger != nil {
			r.logger.Info("stage started", "stage", st.Name)
		}
		result := r.runOne(ctx, st)
		results = append(results, result)
		if result.Succeeded {
			if r.logger != nil {
				r.logger.Info("stage succeeded", "stage", st.Name, "duration_ms", result.DurationMS)
			}
			continue
		}
		if r.logger != nil {
			r.logger.Error("stage failed", "stage", st.Name, "error_kind", string(result.ErrorKind), "error", result.Error)
		}
		if !st.ContinueOnFailure {
			break
		}
	}
	return results
}

type stageReturn struct {
	output string
	err    error
}

func (r Runner) runOne(parent context.Context, st Stage) Result {
	ctx := parent
	var cancel context.CancelFunc
	if st.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, st.Timeout)
		defer cancel()
	}

	start := r.now()
	done := make(chan stageReturn, 1)
	go func() {
		output, err := st.Run(ctx)
		done <- stageReturn{output: output, err: err}
	}()

	var ret stageReturn
	select {
	case ret = <-done:
	case <-ctx.Done():
		ret = stageReturn{err: ctx.Err()}
	}
	result := Result{
		Stage:      st.Name,
		DurationMS: r.now().Sub(start).Milliseconds(),
		Output:     ret.output,
	}
	if ret.err == nil {
		result.Succeeded = true
		return result
	}
	result.Error = ret.err.Error()
	result.ErrorKind = classify(st, ret.err)
	return result
}

func classify(st Stage, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	if st.Kind != "" {
		return st.Kind
	}
	return KindUnknown
}
