package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// ValidatePath rejects empty paths and paths that name the filesystem root.
func ValidatePath(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%s: invalid path", field)
	}
	cleaned := filepath.Clean(path)
	if cleaned == string(filepath.Separator) || cleaned == "." {
		return fmt.Errorf("%s: must name a file or directory below the working tree", field)
	}
	return nil
}

// CheckPathWritable verifies that a directory path exists and is writable,
// creating it when missing.
func CheckPathWritable(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		slog.Error("path writability check failed", "path", path, "error", err, "step", "mkdir")
		return fmt.Errorf("path %s is not writable", path)
	}

	testFile := filepath.Join(path, fmt.Sprintf(".simpipe-write-test-%d", time.Now().UnixNano()))

	f, err := os.Create(testFile)
	if err != nil {
		slog.Error("path writability check failed", "path", path, "error", err, "step", "create")
		return fmt.Errorf("path %s is not writable", path)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(testFile)
		slog.Error("path writability check failed", "path", path, "error", err, "step", "close")
		return fmt.Errorf("path %s is not writable", path)
	}

	if err := os.Remove(testFile); err != nil {
		slog.Error("path writability check failed", "path", path, "error", err, "step", "remove")
		return fmt.Errorf("path %s is not writable", path)
	}

	return nil
}

// CountMatches returns the number of entries in dir whose base name matches pattern.
// A missing directory counts as zero matches.
func CountMatches(dir, pattern string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, WrapError("match "+pattern, err)
	}
	return len(matches), nil
}
