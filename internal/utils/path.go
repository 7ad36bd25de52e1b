package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PathUtil joins dir and name and makes sure the parent directory exists.
func PathUtil(dir string, name string) (string, error) {
	filePath := filepath.Join(dir, name)

	if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	return filePath, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeBaseName turns a user supplied display name into a file name without its extension.
func SafeBaseName(displayName string) string {
	base := filepath.Base(strings.TrimSpace(displayName))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" || base == "_" {
		return "video"
	}
	return base
}
