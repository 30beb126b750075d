package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/shipway-io/shipway/internal/argocd"
	"github.com/shipway-io/shipway/internal/config"
	"github.com/shipway-io/shipway/internal/docker"
	"github.com/shipway-io/shipway/internal/gitrev"
	"github.com/shipway-io/shipway/internal/health"
	"github.com/shipway-io/shipway/internal/logger"
	"github.com/shipway-io/shipway/internal/manifest"
	"github.com/shipway-io/shipway/internal/pipeline"
	"github.com/shipway-io/shipway/internal/report"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "deploy":
		os.Exit(runDeploy(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		fmt.Printf("shipway %s\n", version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `shipway - build, deploy and verify a release

Usage:
  shipway deploy [flags]   run one deployment pipeline and exit
  shipway serve  [flags]   expose the pipeline over HTTP
  shipway version          print the version

Run "shipway deploy -h" or "shipway serve -h" for flags.`)
}

func runDeploy(args []string) int {
	cfg := config.Load()
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	fs.StringVar(&cfg.Environment, "environment", cfg.Environment, "target environment name")
	fs.StringVar(&cfg.RepoDir, "repo", cfg.RepoDir, "git repository directory")
	fs.StringVar(&cfg.BuildContext, "context", cfg.BuildContext, "docker build context directory")
	fs.StringVar(&cfg.Registry, "registry", cfg.Registry, "image registry host")
	fs.StringVar(&cfg.ImageName, "image", cfg.ImageName, "image repository name")
	fs.StringVar(&cfg.ManifestPath, "manifest", cfg.ManifestPath, "deployment manifest to rewrite")
	fs.StringVar(&cfg.ManifestField, "field", cfg.ManifestField, "dotted path of the image tag field")
	fs.StringVar(&cfg.Application, "app", cfg.Application, "gitops application name")
	fs.StringVar(&cfg.HealthURL, "health-url", cfg.HealthURL, "deployed service health endpoint")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "health probe attempt limit")
	initialDelay := fs.Int("initial-delay-seconds", int(cfg.InitialDelay/time.Second), "wait before the first health probe")
	interval := fs.Int("interval-seconds", int(cfg.Interval/time.Second), "wait between failed health probes")
	fs.IntVar(&cfg.SuccessThreshold, "success-threshold", cfg.SuccessThreshold, "consecutive healthy probes required")
	stageTimeout := fs.Int("stage-timeout-seconds", int(cfg.StageTimeout/time.Second), "per-stage timeout")
	pipelineTimeout := fs.Int("timeout-seconds", int(cfg.PipelineTimeout/time.Second), "whole-pipeline timeout (0 disables)")
	fs.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "directory for deployment reports")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "print what would happen without side effects")
	scanCommand := fs.String("scan", "", "optional image scan command run between build and push")
	fs.Parse(args)
	cfg.InitialDelay = time.Duration(*initialDelay) * time.Second
	cfg.Interval = time.Duration(*interval) * time.Second
	cfg.StageTimeout = time.Duration(*stageTimeout) * time.Second
	cfg.PipelineTimeout = time.Duration(*pipelineTimeout) * time.Second

	log := logger.New("shipway", logger.ParseLevel(cfg.LogLevel))

	ctx := context.Background()
	if cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PipelineTimeout)
		defer cancel()
	}

	opts, cleanup, err := buildOptions(cfg, *scanCommand)
	if err != nil {
		log.Error("failed to assemble pipeline", "error", err)
		fmt.Fprintf(os.Stderr, "shipway: %v\n", err)
		return 1
	}
	defer cleanup()

	orch, err := pipeline.New(opts, log)
	if err != nil {
		log.Error("failed to create orchestrator", "error", err)
		fmt.Fprintf(os.Stderr, "shipway: %v\n", err)
		return 1
	}

	outcome := orch.Run(ctx)
	printOutcome(outcome)

	writer, err := report.NewFileWriter(cfg.ReportDir)
	if err != nil {
		log.Warn("report writer unavailable", "error", err)
	} else if outcome.DeploymentTag != "" {
		if err := writer.Write(ctx, outcome); err != nil {
			log.Warn("failed to write deployment report", "error", err)
		} else {
			fmt.Printf("report: %s\n", writer.Path(outcome.DeploymentTag))
		}
	}
	notifyWebhook(ctx, cfg, log, outcome)

	return outcome.FinalState.ExitCode()
}

// buildOptions wires the concrete collaborators into pipeline options. The
// returned cleanup closes the docker client and is safe to call in all cases.
func buildOptions(cfg config.Config, scanCommand string) (pipeline.Options, func(), error) {
	opts := pipeline.Options{
		Environment:  cfg.Environment,
		Application:  cfg.Application,
		StageTimeout: cfg.StageTimeout,
		Poll: health.Options{
			MaxAttempts:      cfg.MaxAttempts,
			InitialDelay:     cfg.InitialDelay,
			Interval:         cfg.Interval,
			SuccessThreshold: cfg.SuccessThreshold,
		},
	}
	cleanup := func() {}

	repoDir := cfg.RepoDir
	opts.Revision = func(ctx context.Context) (string, bool, error) {
		return gitrev.Revision(ctx, repoDir)
	}

	if scanCommand != "" {
		opts.Scan = shellScan(scanCommand, cfg.RepoDir)
	}

	if cfg.DryRun {
		dry := pipeline.DryRun{}
		opts.Builder = dry
		opts.Pusher = dry
		opts.Manifest = dry
		opts.Sync = dry
		opts.Rollback = dry
		opts.Probe = dry.Probe
		return opts, cleanup, nil
	}

	if strings.TrimSpace(cfg.HealthURL) == "" {
		return opts, cleanup, errors.New("health url required (SHIPWAY_HEALTH_URL or -health-url)")
	}
	if strings.TrimSpace(cfg.ArgoCDBaseURL) == "" {
		return opts, cleanup, errors.New("argocd base url required (ARGOCD_BASE_URL)")
	}

	cli, err := docker.New(cfg.DockerHost)
	if err != nil {
		return opts, cleanup, err
	}
	cleanup = func() {
		if err := cli.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "shipway: close docker client: %v\n", err)
		}
	}

	builder, err := docker.NewBuilder(cli, cfg.BuildContext)
	if err != nil {
		return opts, cleanup, err
	}
	pusher, err := docker.NewPusher(cli, cfg.RegistryUser, cfg.RegistryPass, cfg.Registry)
	if err != nil {
		return opts, cleanup, err
	}
	repo := cfg.Registry + "/" + cfg.ImageName
	opts.Builder = taggedImage{repo: repo, builder: builder}
	opts.Pusher = taggedImage{repo: repo, pusher: pusher}

	updater, err := newManifestUpdater(cfg, repo)
	if err != nil {
		return opts, cleanup, err
	}
	opts.Manifest = updater

	argo, err := argocd.NewClient(cfg.ArgoCDBaseURL, cfg.ArgoCDToken, nil)
	if err != nil {
		return opts, cleanup, err
	}
	opts.Sync = argo
	rollback, err := argocd.NewRollback(argo, cfg.Application)
	if err != nil {
		return opts, cleanup, err
	}
	opts.Rollback = rollback

	opts.Probe = health.HTTPProbe(nil, cfg.HealthURL)
	return opts, cleanup, nil
}

// newManifestUpdater picks the rewrite strategy from the manifest file name:
// kustomization files get an images[] entry update, everything else a dotted
// field rewrite.
func newManifestUpdater(cfg config.Config, repo string) (pipeline.ManifestUpdater, error) {
	base := filepath.Base(cfg.ManifestPath)
	if base == "kustomization.yaml" || base == "kustomization.yml" {
		return manifest.NewKustomizeUpdater(cfg.ManifestPath, repo)
	}
	return manifest.NewFieldUpdater(cfg.ManifestPath, cfg.ManifestField)
}

// taggedImage expands a bare deployment tag into the full image reference
// before handing it to the docker collaborators.
type taggedImage struct {
	repo    string
	builder *docker.Builder
	pusher  *docker.Pusher
}

func (t taggedImage) Build(ctx context.Context, tag string) (string, error) {
	return t.builder.Build(ctx, t.repo+":"+tag)
}

func (t taggedImage) Push(ctx context.Context, tag string) (string, error) {
	return t.pusher.Push(ctx, t.repo+":"+tag)
}

func shellScan(command, dir string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("scan command failed: %w", err)
		}
		return string(out), nil
	}
}

func notifyWebhook(ctx context.Context, cfg config.Config, log *slog.Logger, outcome pipeline.Outcome) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return
	}
	client := &http.Client{Timeout: cfg.WebhookTimeout}
	notifier, err := report.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, client, cfg.WebhookMaxRetries)
	if err != nil {
		log.Warn("webhook notifier unavailable", "error", err)
		return
	}
	if err := notifier.Write(ctx, outcome); err != nil {
		log.Warn("failed to deliver deployment webhook", "error", err)
	}
}

func printOutcome(outcome pipeline.Outcome) {
	if outcome.DeploymentTag != "" {
		fmt.Printf("deployment tag: %s\n", outcome.DeploymentTag)
	}
	for _, st := range outcome.Stages {
		status := "ok"
		if !st.Succeeded {
			status = "failed"
			if st.ErrorKind != "" {
				status = fmt.Sprintf("failed (%s)", st.ErrorKind)
			}
		}
		fmt.Printf("stage %-15s %s  %dms\n", st.Stage, status, st.DurationMS)
	}
	healthy := 0
	for _, probe := range outcome.Probes {
		if probe.Succeeded {
			healthy++
		}
	}
	if len(outcome.Probes) > 0 {
		fmt.Printf("health: %d/%d probes healthy\n", healthy, len(outcome.Probes))
	}
	if outcome.Error != "" {
		fmt.Printf("error: %s\n", outcome.Error)
	}
	fmt.Printf("result: %s (took %s)\n", outcome.FinalState, outcome.CompletedAt.Sub(outcome.StartedAt).Round(time.Millisecond))
}
