package gitrev

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Revision resolves the short HEAD commit of the repository at dir and whether
// the working tree has uncommitted changes.
func Revision(ctx context.Context, dir string) (string, bool, error) {
	if strings.TrimSpace(dir) == "" {
		return "", false, fmt.Errorf("repository directory cannot be empty")
	}
	sha, err := runGit(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", false, fmt.Errorf("resolve HEAD: %w", err)
	}
	status, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("check working tree: %w", err)
	}
	return strings.TrimSpace(sha), isDirty(status), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

func isDirty(porcelain string) bool {
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}
