package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

// StatusHealthy is the body status a probe must report to count as a success.
const StatusHealthy = "healthy"

const maxProbeBodySize = 64 * 1024

// ProbeResponse is the raw result of one HTTP GET against the health endpoint.
type ProbeResponse struct {
	StatusCode int
	Body       []byte
}

// ProbeFunc performs a single health check. Transport errors are returned as
// err and recorded as failed attempts, never raised past the poller.
type ProbeFunc func(ctx context.Context) (ProbeResponse, error)

// Attempt records one probe call. The poller keeps every attempt in order for
// diagnostics regardless of the final outcome.
type Attempt struct {
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
	HTTPStatus int       `json:"http_status,omitempty"`
	BodyStatus string    `json:"body_status,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
}

// Options bound the polling loop.
type Options struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	Interval         time.Duration
	SuccessThreshold int
}

// Poller probes a health endpoint with bounded attempts. The clock and sleep
// functions are injectable so tests run without wall-clock delays.
type Poller struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a Poller with sane lower bounds applied to the options.
func NewPoller(opts Options, logger *slog.Logger) *Poller {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.SuccessThreshold < 1 {
		opts.SuccessThreshold = 1
	}
	return &Poller{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// MaxAttempts returns the configured attempt bound.
func (p *Poller) MaxAttempts() int {
	return p.opts.MaxAttempts
}

// Poll waits InitialDelay once, then probes until SuccessThreshold consecutive
// successes are observed or MaxAttempts is exhausted. It returns every attempt
// made plus whether the threshold was reached. On cancellation it stops
// immediately and returns the attempts collected so far.
func (p *Poller) Poll(ctx context.Context, probe ProbeFunc) ([]Attempt, bool) {
	attempts := make([]Attempt, 0, p.opts.MaxAttempts)
	if p.opts.InitialDelay > 0 {
		if err := p.sleep(ctx, p.opts.InitialDelay); err != nil {
			return attempts, false
		}
	}
	consecutive := 0
	for i := 1; i <= p.opts.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return attempts, false
		}
		att := p.probeOnce(ctx, i, probe)
		attempts = append(attempts, att)
		if p.logger != nil {
			p.logger.Info("health probe", "attempt", att.Attempt, "http_status", att.HTTPStatus, "body_status", att.BodyStatus, "succeeded", att.Succeeded)
		}
		if att.Succeeded {
			consecutive++
			if consecutive >= p.opts.SuccessThreshold {
				return attempts, true
			}
			continue
		}
		consecutive = 0
		if i < p.opts.MaxAttempts && p.opts.Interval > 0 {
			if err := p.sleep(ctx, p.opts.Interval); err != nil {
				return attempts, false
			}
		}
	}
	return attempts, false
}

func (p *Poller) probeOnce(ctx context.Context, number int, probe ProbeFunc) Attempt {
	att := Attempt{Attempt: number, Timestamp: p.now().UTC()}
	resp, err := probe(ctx)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	att.HTTPStatus = resp.StatusCode
	status, err := parseBodyStatus(resp.Body)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	att.BodyStatus = status
	att.Succeeded = resp.StatusCode == http.StatusOK && status == StatusHealthy
	return att
}

func parseBodyStatus(body []byte) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse health body: %w", err)
	}
	return strings.TrimSpace(payload.Status), nil
}

// HTTPProbe returns a ProbeFunc issuing a GET against url with the provided
// client.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (ProbeResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return ProbeResponse{}, fmt.Errorf("build health request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return ProbeResponse{}, fmt.Errorf("health request: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodySize))
		if err != nil {
			return ProbeResponse{}, fmt.Errorf("read health body: %w", err)
		}
		return ProbeResponse{StatusCode: resp.StatusCode, Body: body}, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
