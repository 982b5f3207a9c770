package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

// EnsureDir check if a given directory plus the following path exist, then create one if not
func EnsureDir(dir string, path ...string) failure.ClassifiedError {
	targetPath := append([]string{dir}, path...)
	fullPath := filepath.Join(targetPath...)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return &FileError{
			Message:   fmt.Sprintf("%v", err),
			Retryable: false,
			Cause:     ErrCausePathError,
			Path:      fullPath,
		}
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory
// and renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) failure.ClassifiedError {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return classifyWriteError(err, path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classifyWriteError(err, path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return classifyWriteError(err, path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return classifyWriteError(err, path)
	}
	return nil
}

// RemoveDir deletes dir and everything below it. It reports whether the
// directory existed.
func RemoveDir(dir string) (bool, failure.ClassifiedError) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &FileError{
			Message: err.Error(),
			Cause:   ErrCausePathError,
			Path:    dir,
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, &FileError{
			Message: err.Error(),
			Cause:   ErrCauseRemoveFailed,
			Path:    dir,
		}
	}
	return true, nil
}

func classifyWriteError(err error, path string) *FileError {
	// ENOSPC may clear once space is reclaimed
	if errors.Is(err, syscall.ENOSPC) {
		return &FileError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseDiskFull,
			Path:      path,
		}
	}
	return &FileError{
		Message: err.Error(),
		Cause:   ErrCauseWriteFailure,
		Path:    path,
	}
}
