package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidTaskName returned when a task name fails validation
	ErrInvalidTaskName = errors.New("invalid task name")
	// ErrInvalidRunID returned when a run id fails validation
	ErrInvalidRunID = errors.New("invalid run id")
)

const maxIDLen = 64

// DataDirName is the per-project state directory, relative to the working directory.
const DataDirName = ".catalyst"

// MaxIDLen returns the maximum allowed task name and run id length.
func MaxIDLen() int { return maxIDLen }

var (
	taskNameRe = regexp.MustCompile(`^[a-z0-9-]{1,` + strconv.Itoa(maxIDLen) + `}$`)
	runIDRe    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxIDLen) + `}$`)
)

// ValidateTaskName returns nil for allowed task names, or ErrInvalidTaskName.
// Names are lowercase ASCII letters, digits and dashes, at most 64 long.
func ValidateTaskName(name string) error {
	if name == "" {
		return fmt.Errorf("empty task name: %w", ErrInvalidTaskName)
	}
	if len(name) > maxIDLen {
		return fmt.Errorf("task name too long: %w", ErrInvalidTaskName)
	}
	if !taskNameRe.MatchString(name) {
		return fmt.Errorf("task name %q contains invalid characters: %w", name, ErrInvalidTaskName)
	}
	return nil
}

// ValidateRunID returns nil for allowed run ids, or ErrInvalidRunID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring.
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("empty run id: %w", ErrInvalidRunID)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("run id too long: %w", ErrInvalidRunID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("run id contains disallowed '..': %w", ErrInvalidRunID)
	}
	if !runIDRe.MatchString(id) {
		return fmt.Errorf("run id contains invalid characters: %w", ErrInvalidRunID)
	}
	return nil
}

// DataDir returns the absolute state directory under root.
func DataDir(root string) (string, error) {
	return SafeJoin(root, DataDirName)
}

// DBPath returns the default SQLite database path under root.
func DBPath(root string) (string, error) {
	return SafeJoin(root, filepath.Join(DataDirName, "catalyst.db"))
}

// ConfigPath returns the optional TOML config path under root.
func ConfigPath(root string) (string, error) {
	return SafeJoin(root, filepath.Join(DataDirName, "config.toml"))
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Absolute rel values are rejected.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absJoined, nil
}
