// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package atomicio provides atomic file writing with backups.
package atomicio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	backupTimeFormat = "20060102150405.999999999"
	maxBackups       = 10
)

// ReadFile reads the named file. Unlike [os.ReadFile], it returns (nil, nil)
// if the file does not exist.
func ReadFile(name string) ([]byte, error) {
	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// WriteFile writes data to a file atomically. It creates a backup of the
// original file if it exists, and prunes old backups. Missing parent
// directories are created.
func WriteFile(name string, data []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// The temporary file must live on the same filesystem as name for
	// os.Rename to be atomic.
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// name stays in place until the rename below replaces it.
	if _, err := os.Stat(name); err == nil {
		if err := backup(name, name+"."+time.Now().UTC().Format(backupTimeFormat)+".bak"); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := rename(f.Name(), name); err != nil {
		return err
	}

	return pruneBackups(name)
}

// rename is replaced in tests.
var rename = os.Rename

// backup hard links name to backupName, falling back to a copy on
// filesystems without hard links.
func backup(name, backupName string) error {
	if err := os.Link(name, backupName); err == nil {
		return nil
	}
	fi, err := os.Stat(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	return os.WriteFile(backupName, data, fi.Mode().Perm())
}

func pruneBackups(name string) error {
	backups, err := filepath.Glob(name + ".*.bak")
	if err != nil {
		return err
	}
	if len(backups) <= maxBackups {
		return nil
	}

	slices.Sort(backups)
	for _, b := range backups[:len(backups)-maxBackups] {
		if err := os.Remove(b); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
