package tag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyEnvironment indicates the caller did not supply an environment name.
var ErrEmptyEnvironment = errors.New("tag: environment cannot be empty")

// ErrEmptyRevision indicates the revision provider returned no revision.
var ErrEmptyRevision = errors.New("tag: source revision cannot be empty")

// ErrInvalidEnvironment indicates the environment name contains characters
// unsafe for image tags and report file names.
var ErrInvalidEnvironment = errors.New("tag: environment may only contain letters, digits, '.', '_' and '-'")

const timestampLayout = "20060102-150405"

// RevisionProvider reports the current source-control revision and whether the
// working tree carries uncommitted changes.
type RevisionProvider func(ctx context.Context) (sha string, dirty bool, err error)

// Tag is the immutable identifier correlating the build, push and
// manifest-update stages of one pipeline run.
type Tag struct {
	Environment string `json:"environment"`
	Timestamp   string `json:"timestamp"`
	Revision    string `json:"source_revision"`
	Dirty       bool   `json:"dirty"`
}

// String renders the tag as {environment}-{timestamp}-{revision}[-dirty].
func (t Tag) String() string {
	s := fmt.Sprintf("%s-%s-%s", t.Environment, t.Timestamp, t.Revision)
	if t.Dirty {
		s += "-dirty"
	}
	return s
}

// Generator derives deployment tags from source-control state and wall-clock
// time. The clock is injectable so callers can pin timestamps in tests.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a Generator using the real clock when now is nil.
func NewGenerator(now func() time.Time) Generator {
	if now == nil {
		now = time.Now
	}
	return Generator{now: now}
}

// Generate captures the current UTC time truncated to seconds and combines it
// with the environment name and source revision. Two calls at least one second
// apart always produce distinct tags; sub-second call rates may collide.
func (g Generator) Generate(ctx context.Context, environment string, rev RevisionProvider) (Tag, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return Tag{}, ErrEmptyEnvironment
	}
	if !validEnvironment(environment) {
		return Tag{}, fmt.Errorf("%w: %q", ErrInvalidEnvironment, environment)
	}
	if rev == nil {
		return Tag{}, ErrEmptyRevision
	}
	sha, dirty, err := rev(ctx)
	if err != nil {
		return Tag{}, fmt.Errorf("resolve revision: %w", err)
	}
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return Tag{}, ErrEmptyRevision
	}
	return Tag{
		Environment: environment,
		Timestamp:   g.now().UTC().Truncate(time.Second).Format(timestampLayout),
		Revision:    sha,
		Dirty:       dirty,
	}, nil
}

// validEnvironment restricts the name to characters safe in image tags and
// file names. The tag ends up in the report path, so path separators and the
// like must never pass through.
func validEnvironment(environment string) bool {
	for _, r := range environment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
