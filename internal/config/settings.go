// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var reIntegerWithSeparators = regexp.MustCompile(`^-?[0-9][0-9_]*$`)

// ParseSettings parses a list of settings separated by ";", e.g.: "train.epochs=50;split.seed=7", into
// overrides for Loader.Overrides. Typically, the settings are the value of a flag set by the user.
//
// A setting "file:<path>" reads more settings from the file, one or more per line. Empty lines and lines
// starting with "#" are ignored.
//
// For integer values, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func ParseSettings(settings string) (map[string]any, error) {
	overrides := make(map[string]any)
	if err := parseSettings(settings, overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

func parseSettings(settings string, overrides map[string]any) error {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if strings.HasPrefix(setting, "file:") {
			if err := parseSettingsFile(strings.TrimPrefix(setting, "file:"), overrides); err != nil {
				return err
			}
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"",
				setting)
		}
		value = strings.TrimSpace(value)
		if reIntegerWithSeparators.MatchString(value) {
			value = strings.ReplaceAll(value, "_", "")
		}
		overrides[key] = value
	}
	return nil
}

func parseSettingsFile(filePath string, overrides map[string]any) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err = parseSettings(line, overrides); err != nil {
			return errors.WithMessagef(err, "settings file %q", filePath)
		}
	}
	return nil
}
