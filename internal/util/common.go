package util

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b"; this returns "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// EnsureParent creates the directory that will hold path.
func EnsureParent(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
