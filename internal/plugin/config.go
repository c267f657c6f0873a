package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"magpie-ai/internal/domain"
)

// ResolveConfig merges the manifest's defaultConfig with a user override
// file named <id>.json under configDir, lowest precedence first. The merged
// result is validated against the manifest's configSchema if present;
// validation failures are logged as warnings, never fatal. The plugin
// receives the merged config either way.
func ResolveConfig(m domain.PluginManifest, configDir string, logger *slog.Logger) map[string]any {
	merged := make(map[string]any, len(m.DefaultConfig))
	for k, v := range m.DefaultConfig {
		merged[k] = v
	}

	if configDir != "" {
		overridePath := filepath.Join(configDir, m.ID+".json")
		data, err := os.ReadFile(overridePath)
		switch {
		case os.IsNotExist(err):
			// Defaults alone are used.
		case err != nil:
			logger.Warn("plugin config override unreadable",
				"plugin", m.ID, "path", overridePath, "error", err)
		default:
			var override map[string]any
			if err := json.Unmarshal(data, &override); err != nil {
				logger.Warn("plugin config override malformed",
					"plugin", m.ID, "path", overridePath, "error", err)
			} else {
				for k, v := range override {
					merged[k] = v
				}
			}
		}
	}

	if len(m.ConfigSchema) > 0 {
		if err := validateAgainstSchema(merged, m.ConfigSchema); err != nil {
			logger.Warn("plugin config fails its schema",
				"plugin", m.ID, "error", err)
		}
	}

	return merged
}

// validateAgainstSchema compiles the manifest-declared schema and checks the
// merged config against it. Advisory only; callers log, not fail.
func validateAgainstSchema(cfg map[string]any, rawSchema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("configSchema.json", bytes.NewReader(rawSchema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("configSchema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// Round-trip so numeric types match what jsonschema expects.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return compiled.Validate(v)
}
