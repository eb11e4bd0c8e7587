package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	LaunchPolicyOnce          = "once"
	LaunchPolicyPerSweepValue = "per_sweep_value"

	MemoryModeSum       = "sum"
	MemoryModePerDevice = "per_device"
)

type DispatcherConfig struct {
	Workers       int           `mapstructure:"workers,omitempty" validate:"omitempty,min=1"`
	PollInterval  time.Duration `mapstructure:"poll_interval,omitempty"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl,omitempty"`
	SweepInterval time.Duration `mapstructure:"sweep_interval,omitempty"`
	StalePolicy   string        `mapstructure:"stale_policy,omitempty" validate:"omitempty,oneof=requeue fail"`
	Owner         string        `mapstructure:"owner,omitempty"`
}

// CommandTemplates are text/template strings keyed by scenario. Values are
// shell quoted with the q function.
type CommandTemplates struct {
	Capability string            `mapstructure:"capability,omitempty"`
	Benchmark  map[string]string `mapstructure:"benchmark,omitempty"`
	Launch     map[string]string `mapstructure:"launch,omitempty"`
	Health     map[string]string `mapstructure:"health,omitempty"`
	Stop       map[string]string `mapstructure:"stop,omitempty"`
	EnvDeploy  map[string]string `mapstructure:"env_deploy,omitempty"`
	EvalTest   map[string]string `mapstructure:"eval_test,omitempty"`
}

// SampleFields are JSONPath expressions locating the sample fields in one
// line of benchmark output.
type SampleFields struct {
	Latency    string `mapstructure:"latency,omitempty"`
	Tokens     string `mapstructure:"tokens,omitempty"`
	TokensPerS string `mapstructure:"tokens_per_s,omitempty"`
	Success    string `mapstructure:"success,omitempty"`
	Error      string `mapstructure:"error,omitempty"`
	Slot       string `mapstructure:"slot,omitempty"`
}

type RunnerConfig struct {
	Tool            string        `mapstructure:"tool,omitempty"`
	AllowSimulation bool          `mapstructure:"allow_simulation,omitempty"`
	LogDir          string        `mapstructure:"log_dir,omitempty"`
	ResultsDir      string        `mapstructure:"results_dir,omitempty"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout,omitempty"`
	HealthInterval  time.Duration `mapstructure:"health_interval,omitempty"`
	LaunchPolicy    string        `mapstructure:"launch_policy,omitempty" validate:"omitempty,oneof=once per_sweep_value"`
	KillGrace       time.Duration `mapstructure:"kill_grace,omitempty"`
	Keepalive       time.Duration `mapstructure:"keepalive_interval,omitempty"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout,omitempty"`
	// KnownHostsFile enables host key checking; without it any host key is accepted.
	KnownHostsFile string           `mapstructure:"known_hosts_file,omitempty"`
	ErrorPatterns  []string         `mapstructure:"error_patterns,omitempty"`
	Commands       CommandTemplates `mapstructure:"commands,omitempty"`
	Samples        SampleFields     `mapstructure:"samples,omitempty"`
}

type RecommenderConfig struct {
	Min            int     `mapstructure:"min,omitempty" validate:"omitempty,min=1"`
	Max            int     `mapstructure:"max,omitempty" validate:"omitempty,min=1"`
	BaseMB         float64 `mapstructure:"base_mb,omitempty" validate:"omitempty,min=0"`
	PerTokenMB     float64 `mapstructure:"per_token_mb,omitempty" validate:"omitempty,gt=0"`
	ModelReserveMB int64   `mapstructure:"model_reserve_mb,omitempty" validate:"omitempty,min=0"`
	MemoryMode     string  `mapstructure:"memory_mode,omitempty" validate:"omitempty,oneof=sum per_device"`
	Sweep          bool    `mapstructure:"sweep,omitempty"`
	SweepFraction  float64 `mapstructure:"sweep_fraction,omitempty" validate:"omitempty,gt=0,lt=1"`
	EngineCaps     bool    `mapstructure:"engine_caps,omitempty"`
}

type ResultsConfig struct {
	ArchiveDir string `mapstructure:"archive_dir,omitempty"`
}

var defaultBenchmarkFlags = `--skip-launch --ip {{q .Host}} --port {{.Port}} --model {{q .Model}}` +
	` --parallel {{.Concurrency}} --number {{.Number}} --input-length {{.InputLength}} --output-length {{.OutputLength}} --loop 1` +
	`{{if .TokenizerPath}} --tokenizer-path {{q .TokenizerPath}}{{end}}{{if .Dataset}} --dataset {{q .Dataset}}{{end}}` +
	`{{if .Warmup}} --warmup{{end}}{{if .Debug}} --debug{{end}}{{if .KeepModel}} --keep-model{{end}} --output-format jsonl`

var defaultDeployFlags = `{{with .Param "tag"}} --tag {{q .}}{{end}}{{with .Param "tar_name"}} --tar-name {{q .}}{{end}}` +
	`{{with .Param "user"}} --user {{q .}}{{end}}`

var defaultEvalFlags = `--skip-launch --ip {{q .Host}} --port {{.Port}} --model {{q .Model}} --concurrency {{.Concurrency}}` +
	`{{if .Dataset}} --dataset {{q .Dataset}}{{end}}{{with .Param "dataset_args"}} --dataset-args {{q .}}{{end}}` +
	`{{with .Param "max_tokens"}} --max-tokens {{q .}}{{end}}{{with .Param "limit"}} --limit {{q .}}{{end}}` +
	`{{with .Param "temperature"}} --temperature {{q .}}{{end}}{{if .Param "enable_thinking"}} --enable-thinking{{end}}` +
	`{{if .Debug}} --debug{{end}}{{if .KeepModel}} --keep-model{{end}}`

// ApplyDefaults fills every unset engine setting with the built in value.
func (c *Config) ApplyDefaults() {
	d := &c.Dispatcher
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.PollInterval == 0 {
		d.PollInterval = 2 * time.Second
	}
	if d.LeaseTTL == 0 {
		d.LeaseTTL = 60 * time.Second
	}
	if d.SweepInterval == 0 {
		d.SweepInterval = 30 * time.Second
	}
	if d.StalePolicy == "" {
		d.StalePolicy = "requeue"
	}
	if d.Owner == "" {
		host, _ := os.Hostname()
		d.Owner = host + "/" + uuid.New().String()
	}

	r := &c.Runner
	if r.Tool == "" {
		r.Tool = "appauto"
	}
	if r.LogDir == "" {
		r.LogDir = "data/logs"
	}
	if r.ResultsDir == "" {
		r.ResultsDir = "data/results"
	}
	if r.ProbeTimeout == 0 {
		r.ProbeTimeout = 300 * time.Second
	}
	if r.HealthInterval == 0 {
		r.HealthInterval = 5 * time.Second
	}
	if r.LaunchPolicy == "" {
		r.LaunchPolicy = LaunchPolicyOnce
	}
	if r.KillGrace == 0 {
		r.KillGrace = 5 * time.Second
	}
	if r.Keepalive == 0 {
		r.Keepalive = 30 * time.Second
	}
	if r.CleanupTimeout == 0 {
		r.CleanupTimeout = 2 * time.Minute
	}
	if r.ErrorPatterns == nil {
		r.ErrorPatterns = []string{"Connection refused", "Traceback (most recent call last)", "CUDA out of memory"}
	}
	cmds := &r.Commands
	if cmds.Capability == "" {
		cmds.Capability = "command -v {{q .Tool}}"
	}
	setDefault(&cmds.Benchmark, "ft", "{{.Tool}} bench evalscope perf --base-ft "+defaultBenchmarkFlags)
	setDefault(&cmds.Benchmark, "amaas", "{{.Tool}} bench evalscope perf --base-amaas "+defaultBenchmarkFlags)
	setDefault(&cmds.Launch, "ft", "{{.Tool}} launch ft --container {{q .Container}} --conda-env {{q .CondaEnv}} --model-path {{q .ModelPath}} --tp {{.TP}} --mode {{q .Mode}} --port {{.Port}}")
	setDefault(&cmds.Launch, "amaas", "{{.Tool}} launch amaas --api-port {{.APIPort}} --model-path {{q .ModelPath}} --tp {{.TP}}")
	setDefault(&cmds.Health, "ft", "curl -sf http://127.0.0.1:{{.HealthPort}}/health || curl -sf http://127.0.0.1:{{.HealthPort}}/v1/models")
	setDefault(&cmds.Health, "amaas", "curl -sf http://127.0.0.1:{{.HealthPort}}/health || curl -sf http://127.0.0.1:{{.HealthPort}}/v1/models")
	setDefault(&cmds.Stop, "ft", "{{.Tool}} stop ft --container {{q .Container}} --model-path {{q .ModelPath}}")
	setDefault(&cmds.Stop, "amaas", "{{.Tool}} stop amaas --api-port {{.APIPort}} --model-path {{q .ModelPath}}")
	setDefault(&cmds.EnvDeploy, "ft", "{{.Tool}} env deploy ft --ip {{q .TargetHost}} --image {{q (required \"image\" (.Param \"image\"))}}"+defaultDeployFlags)
	setDefault(&cmds.EnvDeploy, "amaas", "{{.Tool}} env deploy amaas --ip {{q .TargetHost}}"+defaultDeployFlags)
	setDefault(&cmds.EvalTest, "ft", "{{.Tool}} bench evalscope eval --base-ft "+defaultEvalFlags)
	setDefault(&cmds.EvalTest, "amaas", "{{.Tool}} bench evalscope eval --base-amaas "+defaultEvalFlags)

	s := &r.Samples
	if s.Latency == "" {
		s.Latency = "$.latency"
	}
	if s.Tokens == "" {
		s.Tokens = "$.tokens"
	}
	if s.TokensPerS == "" {
		s.TokensPerS = "$.tokens_per_s"
	}
	if s.Success == "" {
		s.Success = "$.success"
	}
	if s.Error == "" {
		s.Error = "$.error"
	}
	if s.Slot == "" {
		s.Slot = "$.slot"
	}

	rc := &c.Recommender
	if rc.Min == 0 {
		rc.Min = 1
	}
	if rc.Max == 0 {
		rc.Max = 128
	}
	if rc.BaseMB == 0 {
		rc.BaseMB = 256
	}
	if rc.PerTokenMB == 0 {
		rc.PerTokenMB = 0.5
	}
	if rc.MemoryMode == "" {
		rc.MemoryMode = MemoryModeSum
	}
	if rc.SweepFraction == 0 {
		rc.SweepFraction = 0.5
	}

	if c.Results.ArchiveDir == "" {
		c.Results.ArchiveDir = "data/archives"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "perf-hub"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

func setDefault(m *map[string]string, key string, value string) {
	if *m == nil {
		*m = map[string]string{}
	}
	if _, ok := (*m)[key]; !ok {
		(*m)[key] = value
	}
}

// Default returns a configuration with every engine default applied and an
// in-memory sqlite database, used by the probe command and tests.
func Default() *Config {
	db := map[string]any{
		"driver": "sqlite",
		"url":    "file:perf_hub?mode=memory&cache=shared",
	}
	c := &Config{
		Service:  &ServiceConfig{Port: 8080},
		Database: &db,
	}
	c.ApplyDefaults()
	return c
}
