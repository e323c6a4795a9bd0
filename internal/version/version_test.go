package version

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestDerive_BuildArgTakesPriority(t *testing.T) {
	os.Setenv("NLLB_GIT_COMMIT_DATE", "2024-01-02T03:04:05Z")
	defer os.Unsetenv("NLLB_GIT_COMMIT_DATE")

	info := Derive(context.Background(), "1.2.3", t.TempDir())
	if info.Source != "build_arg" {
		t.Errorf("expected source build_arg, got %q", info.Source)
	}
	if info.At != "2024-01-02T03:04:05Z" {
		t.Errorf("expected passthrough timestamp, got %q", info.At)
	}
	if info.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", info.Version)
	}
}

func TestDerive_FallsBackToMtimeOutsideGitRepo(t *testing.T) {
	os.Unsetenv("NLLB_GIT_COMMIT_DATE")
	dir := t.TempDir()

	info := Derive(context.Background(), "dev", dir)
	if info.Source != "file_mtime" {
		t.Errorf("expected source file_mtime for a non-git directory, got %q", info.Source)
	}
	if _, err := time.Parse(time.RFC3339, info.At); err != nil {
		t.Errorf("expected RFC3339 timestamp, got %q: %v", info.At, err)
	}
}

func TestDerive_MalformedBuildArgPassesThrough(t *testing.T) {
	os.Setenv("NLLB_GIT_COMMIT_DATE", "not-a-timestamp")
	defer os.Unsetenv("NLLB_GIT_COMMIT_DATE")

	info := Derive(context.Background(), "dev", t.TempDir())
	if info.Source != "build_arg" {
		t.Errorf("expected source build_arg even when unparsable, got %q", info.Source)
	}
	if info.At != "not-a-timestamp" {
		t.Errorf("expected raw passthrough, got %q", info.At)
	}
}
