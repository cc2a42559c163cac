package main

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidTargetPath = errors.New("invalid target path")
	ErrOutsidePrefix     = errors.New("object name is outside the target path")
)

// FileKey identifies a logical file independent of where it was observed.
// Keys are relative, slash separated and compared byte for byte.
type FileKey string

func (k FileKey) String() string {
	return string(k)
}

// KeyFromLocalPath strips root from an absolute local path.
func KeyFromLocalPath(root, localPath string) (FileKey, error) {
	rel, relErr := filepath.Rel(root, localPath)
	if relErr != nil {
		return "", fmt.Errorf("relative path of %s: %w", localPath, relErr)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not below %s", localPath, root)
	}

	return FileKey(rel), nil
}

// KeyFromObjectName strips the target path from a remote object name. It is
// the inverse of TargetObjectName.
func KeyFromObjectName(targetPath, objectName string) (FileKey, error) {
	if targetPath == "" {
		return FileKey(objectName), nil
	}
	rel, ok := strings.CutPrefix(objectName, targetPath+"/")
	if !ok || rel == "" {
		return "", fmt.Errorf("%w: %q not under %q", ErrOutsidePrefix, objectName, targetPath)
	}

	return FileKey(rel), nil
}

// TargetObjectName is the remote name a key is uploaded to.
func TargetObjectName(targetPath string, key FileKey) string {
	if targetPath == "" {
		return string(key)
	}

	return targetPath + "/" + string(key)
}

// listPrefix is the prefix handed to bucket listings for a target path.
func listPrefix(targetPath string) string {
	if targetPath == "" {
		return ""
	}

	return targetPath + "/"
}

// ValidateTargetPath rejects target paths that would not round trip through
// TargetObjectName and KeyFromObjectName.
func ValidateTargetPath(targetPath string) error {
	if targetPath == "" {
		return nil
	}
	if strings.HasSuffix(targetPath, "/") {
		return fmt.Errorf("%w: %q must not end with '/'", ErrInvalidTargetPath, targetPath)
	}
	if strings.HasPrefix(targetPath, "/") {
		return fmt.Errorf("%w: %q must not start with '/'", ErrInvalidTargetPath, targetPath)
	}
	if path.Clean(targetPath) != targetPath {
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidTargetPath, targetPath)
	}

	return nil
}
