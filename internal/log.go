// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/config"
)

// logLevelHook only forwards entries at or above its level to the wrapped
// hook, so that each configured sink can have its own threshold.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

// Levels returns all the levels supported by this hook.
func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:    true,
		DisableColors:    false,
		DisableTimestamp: false,
		QuoteEmptyFields: true,
	}
}

// SetupHookLogging configures the standard logger from the logging section
// of the config. The logger itself discards output; every sink is a hook.
func SetupHookLogging(hooks []config.LogrusHook) error {
	levelLogAddedMu.Lock()
	defer levelLogAddedMu.Unlock()

	logrus.SetFormatter(newFormatter())
	maxLevel := logrus.PanicLevel
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			return fmt.Errorf("unrecognised logging level %q: %w", hook.Level, err)
		}
		if level > maxLevel {
			maxLevel = level
		}

		switch hook.Type {
		case "file":
			if err := setupFileHook(hook, level); err != nil {
				return err
			}
		case "std":
			setupStdLogHook(level)
		default:
			return fmt.Errorf("unrecognised logging hook type %q", hook.Type)
		}
	}

	logrus.SetLevel(maxLevel)
	logrus.SetOutput(io.Discard)
	return nil
}

var (
	levelLogAddedMu  sync.Mutex
	stdLevelLogAdded = make(map[logrus.Level]bool)
)

// setupStdLogHook sends errors to stderr and everything else to stdout. Each
// level is only hooked once, however often logging is set up.
func setupStdLogHook(level logrus.Level) {
	if stdLevelLogAdded[level] {
		return
	}
	logrus.AddHook(&logLevelHook{level, stdemuxerhook.New(logrus.StandardLogger())})
	stdLevelLogAdded[level] = true
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) error {
	path, _ := hook.Params["path"].(string)
	absLogDir, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path to log directory: %w", err)
	}
	if err = os.MkdirAll(absLogDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create log directory %q: %w", absLogDir, err)
	}

	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			filepath.Join(absLogDir, "slidingsync.log"),
			&logrus.TextFormatter{
				TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
				DisableColors:    true,
				DisableTimestamp: false,
				DisableSorting:   false,
				QuoteEmptyFields: true,
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
	return nil
}
