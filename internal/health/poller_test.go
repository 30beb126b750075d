package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// scriptedProbe replays canned responses in order, repeating the last one.
func scriptedProbe(responses ...ProbeResponse) ProbeFunc {
	i := 0
	return func(context.Context) (ProbeResponse, error) {
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return resp, nil
	}
}

func healthy() ProbeResponse {
	return ProbeResponse{StatusCode: 200, Body: []byte(`{"status":"healthy"}`)}
}

func unhealthy() ProbeResponse {
	return ProbeResponse{StatusCode: 503, Body: []byte(`{"status":"unhealthy"}`)}
}

func newTestPoller(opts Options) (*Poller, *[]time.Duration) {
	p := NewPoller(opts, nil)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	p.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	return p, &slept
}

func TestPollSucceedsOnFirstAttempt(t *testing.T) {
	p, slept := newTestPoller(Options{MaxAttempts: 5, Interval: 10 * time.Second})

	attempts, ok := p.Poll(context.Background(), scriptedProbe(healthy()))
	if !ok {
		t.Fatal("expected poll to succeed")
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", *slept)
	}
	if attempts[0].BodyStatus != StatusHealthy || attempts[0].HTTPStatus != 200 {
		t.Fatalf("attempt %+v", attempts[0])
	}
}

func TestPollExhaustsAttempts(t *testing.T) {
	p, slept := newTestPoller(Options{MaxAttempts: 3, Interval: 5 * time.Second})

	attempts, ok := p.Poll(context.Background(), scriptedProbe(unhealthy()))
	if ok {
		t.Fatal("expected poll to fail")
	}
	if len(attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(attempts))
	}
	for _, att := range attempts {
		if att.Succeeded {
			t.Fatalf("attempt %d should have failed", att.Attempt)
		}
	}
	// No sleep after the final attempt.
	if len(*slept) != 2 {
		t.Fatalf("expected 2 interval sleeps, got %v", *slept)
	}
}

func TestPollWaitsInitialDelayOnce(t *testing.T) {
	p, slept := newTestPoller(Options{MaxAttempts: 2, InitialDelay: 30 * time.Second, Interval: 5 * time.Second})

	_, ok := p.Poll(context.Background(), scriptedProbe(healthy()))
	if !ok {
		t.Fatal("expected poll to succeed")
	}
	if len(*slept) != 1 || (*slept)[0] != 30*time.Second {
		t.Fatalf("expected a single initial delay sleep, got %v", *slept)
	}
}

func TestPollRequiresConsecutiveSuccesses(t *testing.T) {
	p, _ := newTestPoller(Options{MaxAttempts: 4, SuccessThreshold: 2, Interval: time.Second})

	// fail, success, fail, success: never two consecutive successes.
	attempts, ok := p.Poll(context.Background(), scriptedProbe(unhealthy(), healthy(), unhealthy(), healthy()))
	if ok {
		t.Fatal("alternating probes must not reach threshold 2")
	}
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
}

func TestPollStopsAtThreshold(t *testing.T) {
	p, _ := newTestPoller(Options{MaxAttempts: 10, SuccessThreshold: 2, Interval: time.Second})

	attempts, ok := p.Poll(context.Background(), scriptedProbe(unhealthy(), healthy(), healthy()))
	if !ok {
		t.Fatal("expected poll to succeed")
	}
	if len(attempts) != 3 {
		t.Fatalf("expected to stop at attempt 3, got %d attempts", len(attempts))
	}
}

func TestPollRecordsProbeErrors(t *testing.T) {
	p, _ := newTestPoller(Options{MaxAttempts: 2})
	probe := func(context.Context) (ProbeResponse, error) {
		return ProbeResponse{}, errors.New("connection refused")
	}

	attempts, ok := p.Poll(context.Background(), probe)
	if ok {
		t.Fatal("expected poll to fail")
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Error == "" || attempts[0].HTTPStatus != 0 {
		t.Fatalf("attempt %+v", attempts[0])
	}
}

func TestPollRecordsUnparseableBody(t *testing.T) {
	p, _ := newTestPoller(Options{MaxAttempts: 1})
	probe := scriptedProbe(ProbeResponse{StatusCode: 200, Body: []byte("<html>ok</html>")})

	attempts, ok := p.Poll(context.Background(), probe)
	if ok {
		t.Fatal("unparseable body must not count as healthy")
	}
	if attempts[0].Succeeded || attempts[0].Error == "" {
		t.Fatalf("attempt %+v", attempts[0])
	}
}

func TestPollStopsOnCancellation(t *testing.T) {
	p := NewPoller(Options{MaxAttempts: 10, Interval: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	attempts, ok := p.Poll(ctx, scriptedProbe(unhealthy()))
	if ok {
		t.Fatal("expected poll to fail after cancellation")
	}
	if len(attempts) != 1 {
		t.Fatalf("expected the collected attempts so far, got %d", len(attempts))
	}
}

func TestHTTPProbe(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL+"/healthz")
	resp, err := probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	status, err := parseBodyStatus(resp.Body)
	if err != nil || status != StatusHealthy {
		t.Fatalf("body status %q err %v", status, err)
	}
	if calls != 1 {
		t.Fatalf("expected a single GET, got %d", calls)
	}
}
