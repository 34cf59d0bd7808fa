package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions lists the spreadsheet formats accepted for import.
var SupportedExtensions = []string{".xlsx", ".xlsm", ".csv"}

// ValidatePath checks that inputPath resolves (symlinks included) to a
// location inside allowedBaseDir and returns the resolved path. Relative
// paths are taken relative to allowedBaseDir.
func ValidatePath(inputPath, allowedBaseDir string) (string, error) {
	absBase, err := filepath.Abs(allowedBaseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	absInput := filepath.Clean(inputPath)
	if !filepath.IsAbs(absInput) {
		absInput = filepath.Join(absBase, absInput)
	}

	resolvedInput, err := filepath.EvalSymlinks(absInput)
	if err != nil {
		return "", fmt.Errorf("cannot resolve input path: %w", err)
	}
	resolvedBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("cannot resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(resolvedBase, resolvedInput)
	if err != nil {
		return "", fmt.Errorf("cannot compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", rel)
	}
	return resolvedInput, nil
}

// ResolveImportFile validates an import path: inside the base directory,
// an existing regular file, with a supported spreadsheet extension.
func ResolveImportFile(inputPath, allowedBaseDir string) (string, error) {
	resolved, err := ValidatePath(inputPath, allowedBaseDir)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("file does not exist: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", resolved)
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	for _, allowed := range SupportedExtensions {
		if ext == allowed {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("unsupported file type %q, expected one of %v", ext, SupportedExtensions)
}
