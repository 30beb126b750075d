package tag

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedRevision(sha string, dirty bool) RevisionProvider {
	return func(context.Context) (string, bool, error) {
		return sha, dirty, nil
	}
}

func TestGenerateFormatsTag(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 500000000, time.UTC)
	gen := NewGenerator(func() time.Time { return now })

	tg, err := gen.Generate(context.Background(), "production", fixedRevision("a1b2c3d", false))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got, want := tg.String(), "production-20250314-092653-a1b2c3d"; got != want {
		t.Fatalf("tag %q, want %q", got, want)
	}
}

func TestGenerateAppendsDirtySuffix(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	gen := NewGenerator(func() time.Time { return now })

	tg, err := gen.Generate(context.Background(), "staging", fixedRevision("a1b2c3d", true))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got, want := tg.String(), "staging-20250314-092653-a1b2c3d-dirty"; got != want {
		t.Fatalf("tag %q, want %q", got, want)
	}
}

func TestGenerateDistinctAcrossSeconds(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	gen := NewGenerator(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	first, err := gen.Generate(context.Background(), "staging", fixedRevision("a1b2c3d", false))
	if err != nil {
		t.Fatalf("generate first: %v", err)
	}
	second, err := gen.Generate(context.Background(), "staging", fixedRevision("a1b2c3d", false))
	if err != nil {
		t.Fatalf("generate second: %v", err)
	}
	if first.String() == second.String() {
		t.Fatalf("expected distinct tags, both were %q", first.String())
	}
}

func TestGenerateRejectsEmptyEnvironment(t *testing.T) {
	gen := NewGenerator(nil)
	_, err := gen.Generate(context.Background(), "  ", fixedRevision("a1b2c3d", false))
	if !errors.Is(err, ErrEmptyEnvironment) {
		t.Fatalf("expected ErrEmptyEnvironment, got %v", err)
	}
}

func TestGenerateRejectsUnsafeEnvironment(t *testing.T) {
	gen := NewGenerator(nil)
	for _, environment := range []string{"prod/us", `prod\eu`, "../prod", "prod env", "prod:1"} {
		_, err := gen.Generate(context.Background(), environment, fixedRevision("a1b2c3d", false))
		if !errors.Is(err, ErrInvalidEnvironment) {
			t.Fatalf("environment %q: expected ErrInvalidEnvironment, got %v", environment, err)
		}
	}
}

func TestGenerateRejectsEmptyRevision(t *testing.T) {
	gen := NewGenerator(nil)
	_, err := gen.Generate(context.Background(), "staging", fixedRevision("   ", false))
	if !errors.Is(err, ErrEmptyRevision) {
		t.Fatalf("expected ErrEmptyRevision, got %v", err)
	}
}

func TestGeneratePropagatesProviderError(t *testing.T) {
	gen := NewGenerator(nil)
	boom := errors.New("not a repository")
	_, err := gen.Generate(context.Background(), "staging", func(context.Context) (string, bool, error) {
		return "", false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
