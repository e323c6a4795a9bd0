// Package version derives the build-provenance triple surfaced by
// /health's version/version_at/version_source fields (spec §6). Grounded
// on the original Python implementation's _derive_version_at(): prefer a
// build-time-baked commit date, fall back to a live git query against
// this binary's source tree, fall back further to a file mtime, and
// finally give up with an "unknown" source rather than erroring — version
// provenance is diagnostic, never load-bearing.
package version

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nllbsidecar/nllb-sidecar/internal/config"
)

// Info is the provenance triple: a version string plus the commit
// timestamp it was built from and how that timestamp was obtained.
type Info struct {
	Version string
	At      string
	Source  string // "build_arg" | "git_commit" | "file_mtime" | "unknown"
}

// Derive resolves Info for the running binary. version is the semantic
// version string (config.Version, set by -ldflags or "dev" otherwise).
// repoDir is the source checkout to query git/mtime against; pass the
// empty string to use the current working directory.
func Derive(ctx context.Context, versionStr, repoDir string) Info {
	info := Info{Version: versionStr}

	if baked := strings.TrimSpace(os.Getenv("NLLB_GIT_COMMIT_DATE")); baked != "" {
		if t, err := time.Parse(time.RFC3339, baked); err == nil {
			info.At, info.Source = t.UTC().Format(time.RFC3339), "build_arg"
			return info
		}
		info.At, info.Source = baked, "build_arg"
		return info
	}

	if at, ok := fromGit(ctx, repoDir); ok {
		info.At, info.Source = at, "git_commit"
		return info
	}

	if at, ok := fromMtime(repoDir); ok {
		info.At, info.Source = at, "file_mtime"
		return info
	}

	info.At, info.Source = "unknown", "unknown"
	return info
}

// fromGit reports the last commit time for dir, but only when the
// worktree is clean — a dirty tree means the commit date no longer
// describes what's actually running.
func fromGit(ctx context.Context, dir string) (string, bool) {
	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status := exec.CommandContext(statusCtx, "git", "status", "--porcelain")
	status.Dir = dir
	out, err := status.Output()
	if err != nil || strings.TrimSpace(string(out)) != "" {
		return "", false
	}

	logCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	logCmd := exec.CommandContext(logCtx, "git", "log", "-1", "--format=%aI")
	logCmd.Dir = dir
	out, err = logCmd.Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(out)))
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

// fromMtime falls back to the modification time of dir itself (or the
// current binary's directory, in a container without a .git checkout).
func fromMtime(dir string) (string, bool) {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", false
		}
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", false
	}
	return fi.ModTime().UTC().Format(time.RFC3339), true
}

// FromConfig is a convenience wrapper reading the build-injected version
// string from internal/config's ldflags-set Version var.
func FromConfig(ctx context.Context, repoDir string) Info {
	return Derive(ctx, config.Version, repoDir)
}
