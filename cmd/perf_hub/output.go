package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/logging"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeOutput prints v in the requested format. YAML output is produced from
// the JSON encoding so that both formats use the same field names.
func writeOutput(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "", formatJSON:
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return err
		}
		// yaml keeps the flow style of the json input unless told otherwise
		clearStyle(&node)
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(&node); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unknown output format %q, expected %s or %s", format, formatJSON, formatYAML)
	}
}

func clearStyle(node *yaml.Node) {
	if node.Style == yaml.FlowStyle || node.Style == yaml.DoubleQuotedStyle {
		node.Style = 0
	}
	for _, child := range node.Content {
		clearStyle(child)
	}
}

// loadCommandConfig loads the config and the logger used by the one shot commands.
func loadCommandConfig() (*config.Config, *slog.Logger, logging.ShutdownFunc, error) {
	serviceConfig, err := config.LoadConfig(logging.DiscardLogger(), Version, Build, BuildDate, configDirs...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load the config: %w", err)
	}
	logger, logShutdown, err := logging.NewLogger(serviceConfig.Logging.Level)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create the logger: %w", err)
	}
	return serviceConfig, logger, logShutdown, nil
}
