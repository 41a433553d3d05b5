package file

import (
	"path/filepath"
	"strings"
)

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// DestinationPath joins a file name announced by a friend onto dir. The
// name must be a plain base name; separators and traversal are rejected.
func DestinationPath(dir, name string) (string, error) {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) {
		return "", ErrDirectoryTraversal
	}
	if _, err := ValidatePath(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
