package config

// Config is the complete engine configuration as read from config/config.yaml,
// the operator override file, the environment and the secrets directory.
type Config struct {
	Service     *ServiceConfig            `mapstructure:"service" validate:"required"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Database    *map[string]any           `mapstructure:"database" validate:"required"`
	Dispatcher  DispatcherConfig          `mapstructure:"dispatcher"`
	Runner      RunnerConfig              `mapstructure:"runner"`
	Recommender RecommenderConfig         `mapstructure:"recommender"`
	Results     ResultsConfig             `mapstructure:"results"`
	Tracing     TracingConfig             `mapstructure:"tracing"`
	Defaults    map[string]map[string]any `mapstructure:"defaults,omitempty"`
}

type ServiceConfig struct {
	Version         string `mapstructure:"version,omitempty"`
	Build           string `mapstructure:"build,omitempty"`
	BuildDate       string `mapstructure:"build_date,omitempty"`
	Port            int    `mapstructure:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	ReadyFile       string `mapstructure:"ready_file"`
	TerminationFile string `mapstructure:"termination_file"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
}

type TracingConfig struct {
	// Exporter is one of none, stdout, otlphttp, otlpgrpc
	Exporter    string  `mapstructure:"exporter,omitempty" validate:"omitempty,oneof=none stdout otlphttp otlpgrpc"`
	Endpoint    string  `mapstructure:"endpoint,omitempty"`
	Insecure    bool    `mapstructure:"insecure,omitempty"`
	ServiceName string  `mapstructure:"service_name,omitempty"`
	SampleRatio float64 `mapstructure:"sample_ratio,omitempty" validate:"omitempty,min=0,max=1"`
}
