// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// AtomicWriteFile writes data to path through a temp file in the same
// directory, fsyncs it, and renames it over the target. Parent directories
// are created as needed. A reader sees either the old file or the new one,
// never a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "failed to get absolute path")
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create parent directory")
	}

	// Same directory as the target so the rename stays on one filesystem.
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "failed to write data")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync data to disk")
	}
	// Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return errors.Wrap(err, "failed to set file permissions")
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		return errors.Wrap(err, "failed to rename temp file")
	}

	success = true
	return nil
}

// WriteJSONFile marshals v and writes it with AtomicWriteFile.
func WriteJSONFile(path string, v interface{}, perm os.FileMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", filepath.Base(path))
	}
	return AtomicWriteFile(path, data, perm)
}
