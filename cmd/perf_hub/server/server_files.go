package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/llm-perf/perf-hub/internal/config"
)

// EnvVarTerminationFile names the termination file when the config could not be loaded.
const EnvVarTerminationFile = "PERF_HUB_TERMINATION_FILE"

const fallbackTerminationFile = "/tmp/perf-hub-termination-log"

// handle ready and termination messages

func GetTerminationFile(conf *config.Config, logger *slog.Logger) string {
	if (conf != nil) && (conf.Service != nil) {
		if tf := strings.TrimSpace(conf.Service.TerminationFile); tf != "" {
			return tf
		}
	}
	// if the config file fails then we still need to be able to get this
	if tf := os.Getenv(EnvVarTerminationFile); tf != "" {
		logger.Info("Termination file set from environment variable", "env", EnvVarTerminationFile, "file", tf)
		return tf
	}
	logger.Info("Termination file fallback value", "file", fallbackTerminationFile)
	return fallbackTerminationFile
}

func writeFile(fname string, message string, fileType string, logger *slog.Logger) error {
	filename := filepath.Clean(fname)
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create the %s file directory: %s: %w", fileType, filename, err)
	}
	err := os.WriteFile(filename, []byte(message), 0o644)
	if err != nil {
		logger.Error(fmt.Sprintf("when trying to write %s message", fileType), "file", filename, "message", message, "error", err.Error())
		return fmt.Errorf("failed to write the %s file: %s: %w", fileType, filename, err)
	}
	logger.Info(fmt.Sprintf("Set %s message", fileType), "file", filename)
	return nil
}

func getReadyContents(conf *config.Config) string {
	return fmt.Sprintf("Version: %s\nBuild: %s\nBuildDate: %s\n", conf.Service.Version, conf.Service.Build, conf.Service.BuildDate)
}

func SetReady(conf *config.Config, logger *slog.Logger) error {
	return writeFile(conf.Service.ReadyFile, getReadyContents(conf), "ready", logger)
}

func SetTerminationMessage(terminationFile string, message string, logger *slog.Logger) error {
	return writeFile(terminationFile, message, "termination", logger)
}
