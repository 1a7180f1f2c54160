package paths_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/throw-if-null/catalyst/internal/paths"
)

func TestValidateTaskNameGood(t *testing.T) {
	good := []string{"example", "rewrite", "a", "bulk-text-2", strings.Repeat("a", 64)}
	for _, s := range good {
		if err := paths.ValidateTaskName(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateTaskNameBad(t *testing.T) {
	bad := []string{"", "Example", "a_b", "a.b", "a/b", "../x", "a b", strings.Repeat("a", 65)}
	for _, s := range bad {
		err := paths.ValidateTaskName(s)
		if err == nil {
			t.Fatalf("expected invalid for %q", s)
		}
		if !errors.Is(err, paths.ErrInvalidTaskName) {
			t.Fatalf("expected ErrInvalidTaskName for %q, got %v", s, err)
		}
	}
}

func TestValidateRunIDGood(t *testing.T) {
	good := []string{"run-1", "a", "A0._-", "0190f5d2-8c1e-7d3a-9f4e-1b2c3d4e5f60"}
	for _, s := range good {
		if err := paths.ValidateRunID(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateRunIDBad(t *testing.T) {
	bad := []string{"", "a/b", "a\\b", "../x", "..\\x", "/abs", "C:\\x", "a b", strings.Repeat("x", 65)}
	for _, s := range bad {
		if err := paths.ValidateRunID(s); !errors.Is(err, paths.ErrInvalidRunID) {
			t.Fatalf("expected ErrInvalidRunID for %q, got %v", s, err)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	got, err := paths.SafeJoin(root, "a/b")
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	if got != filepath.Join(root, "a", "b") {
		t.Fatalf("unexpected path %q", got)
	}

	for _, rel := range []string{"../escape", "a/../../escape", filepath.Join(root, "abs")} {
		if _, err := paths.SafeJoin(root, rel); err == nil {
			t.Fatalf("expected error for %q", rel)
		}
	}
	if _, err := paths.SafeJoin("", "x"); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestDataLayout(t *testing.T) {
	root := t.TempDir()
	db, err := paths.DBPath(root)
	if err != nil {
		t.Fatalf("DBPath: %v", err)
	}
	if db != filepath.Join(root, ".catalyst", "catalyst.db") {
		t.Fatalf("unexpected db path %q", db)
	}
	cfg, err := paths.ConfigPath(root)
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if filepath.Dir(cfg) != filepath.Join(root, ".catalyst") {
		t.Fatalf("unexpected config path %q", cfg)
	}
}
