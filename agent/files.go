// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound means the requested path does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrNotAFile means the requested path is a directory or other
	// non-regular file.
	ErrNotAFile = errors.New("not a file")
)

// FileMetadata describes a file about to be sent.
type FileMetadata struct {
	// Name is the base name announced in FILE_INFO.
	Name string
	Size int64
}

// Files serves whole-file reads.
type Files struct {
	// Root resolves relative request paths. Absolute paths are read
	// as given. Empty means the agent's working directory.
	Root string
}

// Resolve returns the filesystem path a request names.
func (f *Files) Resolve(path string) string {
	if f.Root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.Root, path)
}

// Serve reads the whole file at path into memory.
func (f *Files) Serve(path string) (FileMetadata, []byte, error) {
	resolved := f.Resolve(path)

	info, err := os.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return FileMetadata{}, nil, ErrNotFound
	}
	if err != nil {
		return FileMetadata{}, nil, err
	}
	if !info.Mode().IsRegular() {
		return FileMetadata{}, nil, ErrNotAFile
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return FileMetadata{}, nil, fmt.Errorf("reading %s: %w", resolved, err)
	}
	return FileMetadata{Name: filepath.Base(resolved), Size: int64(len(data))}, data, nil
}

// fileErrorText formats the FILE_ERROR reason for a Serve failure.
func fileErrorText(path string, err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "File not found: " + path
	case errors.Is(err, ErrNotAFile):
		return "Not a file: " + path
	default:
		return err.Error()
	}
}
