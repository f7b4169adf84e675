// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0755)

// MustFileExists returns whether the file or directory exists.
// It panics on file system errors.
func MustFileExists(path string) bool {
	exists, err := FileExists(path)
	if err != nil {
		panic(err)
	}
	return exists
}

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return filepath.Join(homeDir, dir[1+len(userName):]), nil
}

// AbsDir expands "~" and converts dir to an absolute path.
func AbsDir(dir string) (string, error) {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to convert %q to an absolute path", dir)
	}
	return abs, nil
}

// EnsureDir creates dir (and its parents) if it doesn't exist yet.
// It fails if dir exists but is not a directory.
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return errors.Errorf("path %q exists but it's a normal file, not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// CopyFile copies the contents of srcPath to dstPath, creating or truncating dstPath.
// The file mode of the source is preserved.
func CopyFile(srcPath, dstPath string) (n int64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %q for copying", srcPath)
	}
	defer func() { _ = src.Close() }()
	fi, err := src.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %q", srcPath)
	}
	if fi.IsDir() {
		return 0, errors.Errorf("cannot copy %q: it is a directory", srcPath)
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", dstPath)
	}
	n, err = io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return n, errors.Wrapf(err, "failed copying %q to %q", srcPath, dstPath)
	}
	if err = dst.Close(); err != nil {
		return n, errors.Wrapf(err, "failed closing %q", dstPath)
	}
	return n, nil
}

// CopyToDir copies srcPath into dstDir, keeping its base name. It returns the path of the new file.
func CopyToDir(srcPath, dstDir string) (string, error) {
	dstPath := filepath.Join(dstDir, filepath.Base(srcPath))
	if _, err := CopyFile(srcPath, dstPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

// Stem returns the base name of path without its extension: "a/b/img0.jpg" -> "img0".
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
