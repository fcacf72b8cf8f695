package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir loads every .rego file under dir. Module names are the file
// paths relative to dir.
func (e *Engine) LoadDir(ctx context.Context, dir string) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("policy directory %s: %w", dir, err)
	}

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, "_test.rego") {
			return nil
		}

		rel, err := validatePath(dir, path)
		if err != nil {
			return fmt.Errorf("invalid policy path %s: %w", path, err)
		}

		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.ToSlash(rel), ".rego")
		if err := e.LoadPolicy(ctx, name, string(content)); err != nil {
			return err
		}
		loaded++
		return nil
	})
	return loaded, err
}

// LoadDefaults loads the built-in modules
func (e *Engine) LoadDefaults(ctx context.Context, protectProduction bool) error {
	if !protectProduction {
		return nil
	}
	return e.LoadPolicy(ctx, "builtin/protect_production", ProtectProductionModule)
}

func validatePath(root, path string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return rel, nil
}
