package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvVarConfigPath names an operator config file merged over the bundled one.
const EnvVarConfigPath = "CONFIG_PATH"

type EnvMap struct {
	Env struct {
		Mappings map[string]string `mapstructure:"mappings,omitempty"`
	} `mapstructure:"env,omitempty"`
}

type SecretMap struct {
	Secrets struct {
		Dir      string            `mapstructure:"dir,omitempty"`
		Mappings map[string]string `mapstructure:"mappings,omitempty"`
	} `mapstructure:"secrets,omitempty"`
}

// readConfig locates and reads a configuration file using Viper. It searches for
// a file named "{name}.{ext}" in each of the given directories in order; the first
// found file is read.
//
// Parameters:
//   - logger: Logger for config load messages (success and failure).
//   - name: Config file base name without extension (e.g., "config").
//   - ext: Config file extension/type (e.g., "yaml"); used by Viper as config type.
//   - dirs: One or more directories to search for the file; first match wins.
//
// Returns:
//   - *viper.Viper: Viper instance with the config loaded, or a new Viper if no file was read.
//   - error: Non-nil if no config file was found in any dir or if reading failed.
func readConfig(logger *slog.Logger, name string, ext string, dirs ...string) (*viper.Viper, error) {
	logger.Info("Reading the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs))

	configValues := viper.New()

	configValues.SetConfigName(name) // name of config file (without extension)
	configValues.SetConfigType(ext)  // REQUIRED if the config file does not have the extension in the name
	for _, dir := range dirs {
		configValues.AddConfigPath(dir)
	}
	err := configValues.ReadInConfig() // Find and read the config file

	if err != nil {
		logger.Error("Failed to read the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs), "error", err.Error())
	} else {
		logger.Info("Read the configuration file", "file", configValues.ConfigFileUsed())
	}

	return configValues, err
}

// mergeOperatorConfig merges the file named by CONFIG_PATH over the bundled
// settings. Top level maps are merged key by key except secrets, which the
// operator file replaces as a whole.
func mergeOperatorConfig(logger *slog.Logger, base *viper.Viper) (*viper.Viper, error) {
	path := strings.TrimSpace(os.Getenv(EnvVarConfigPath))
	if path == "" {
		return base, nil
	}
	operator := viper.New()
	operator.SetConfigFile(path)
	operator.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
	if err := operator.ReadInConfig(); err != nil {
		logger.Error("Failed to read the operator configuration file", "file", path, "error", err.Error())
		return nil, err
	}
	logger.Info("Merging the operator configuration file", "file", path)

	settings := base.AllSettings()
	for key, value := range operator.AllSettings() {
		current, isMap := settings[key].(map[string]any)
		override, overrideIsMap := value.(map[string]any)
		if key == "secrets" || !isMap || !overrideIsMap {
			settings[key] = value
			continue
		}
		merged := maps.Clone(current)
		maps.Copy(merged, override)
		settings[key] = merged
	}

	merged := viper.New()
	if err := merged.MergeConfigMap(settings); err != nil {
		return nil, err
	}
	return merged, nil
}

// LoadConfig loads configuration using a layered system with Viper.
//
// Configuration loading order (later sources override earlier ones):
//  1. config.yaml (config/config.yaml) - Bundled configuration loaded first
//  2. CONFIG_PATH - An operator mounted file merged over the bundled one
//  3. Secrets from files - Mapped via secrets.mappings with secrets.dir
//  4. Environment variables - Mapped via env.mappings configuration
//
// Configuration supports:
//   - Environment variable mapping: Define in env.mappings (e.g., PERF_HUB_PORT → service.port)
//   - Secrets from files: Define in secrets.mappings with secrets.dir (e.g., db_password → database.password)
//   - Optional secrets: Append :optional to the secret file name to mark it as optional.
//     If an optional secret file doesn't exist, no error is logged and the configuration
//     continues loading without that secret value.
//
// Example configuration structure:
//
//	env:
//	  mappings:
//	    perf_hub_port: service.port
//	secrets:
//	  dir: /tmp
//	  mappings:
//	    db_password: database.password
//	    api_token:optional: tracing.token
//
// Parameters:
//   - logger: The logger for configuration loading messages
//   - dirs: Directories searched for config.yaml, the defaults are used when empty
//
// Returns:
//   - *Config: The loaded configuration with all sources applied and defaults filled in
//   - error: An error if configuration cannot be loaded or is invalid
func LoadConfig(logger *slog.Logger, version string, build string, buildDate string, dirs ...string) (*Config, error) {
	if len(dirs) == 0 {
		dirs = []string{"config", "./config", "../../config"}
	}
	configValues, err := readConfig(logger, "config", "yaml", dirs...)
	if err != nil {
		return nil, err
	}
	configValues, err = mergeOperatorConfig(logger, configValues)
	if err != nil {
		return nil, err
	}

	// set up the secrets from the secrets directory
	secrets := SecretMap{}
	if err := configValues.Unmarshal(&secrets); err != nil {
		return nil, err
	}
	if dir := secrets.Secrets.Dir; dir != "" {
		// check that the secrets directory exists
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			for fileName, fieldName := range secrets.Secrets.Mappings {
				// the secret file name can be optional by appending :optional to the file name
				optional := strings.HasSuffix(fileName, ":optional")
				if optional {
					fileName = strings.TrimSuffix(fileName, ":optional")
				}
				secret, err := getSecret(dir, fileName, optional)
				if err != nil {
					// log the error and fail the startup (by returning the error)
					logger.Error("Failed to read secret file", "file", filepath.Join(dir, fileName), "error", err.Error())
					return nil, err
				}
				if secret != "" {
					configValues.Set(fieldName, secret)
				}
			}
		}
	}

	// set up the environment variable mappings
	envMappings := EnvMap{}
	if err := configValues.Unmarshal(&envMappings); err != nil {
		return nil, err
	}
	for envName, field := range envMappings.Env.Mappings {
		if err := configValues.BindEnv(field, strings.ToUpper(envName)); err != nil {
			return nil, err
		}
		logger.Info("Mapped environment variable", "field_name", field, "env_name", strings.ToUpper(envName))
	}

	conf := Config{}
	if err := configValues.Unmarshal(&conf); err != nil {
		return nil, err
	}
	if conf.Service == nil {
		conf.Service = &ServiceConfig{}
	}

	// set the version, build, and build date
	conf.Service.Version = version
	conf.Service.Build = build
	conf.Service.BuildDate = buildDate
	conf.ApplyDefaults()

	if err := validator.New().Struct(&conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &conf, nil
}

// getSecret reads a secret from a file and returns the value as a string with
// surrounding whitespace removed. A missing optional secret returns an empty string.
//
// Parameters:
//   - secretsDir: The directory containing the secret files
//   - secretName: The name of the secret file
//   - optional: If true, missing files are not an error
//
// Returns:
//   - string: The value of the secret, or empty string if an optional file doesn't exist
//   - error: The read error otherwise
func getSecret(secretsDir string, secretName string, optional bool) (string, error) {
	secret, err := os.ReadFile(filepath.Join(secretsDir, secretName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && optional {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
