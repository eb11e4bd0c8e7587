package api

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type Scenario string

const (
	ScenarioFT    Scenario = "ft"
	ScenarioAMaaS Scenario = "amaas"
)

const (
	DefaultLoop                 = 1
	DefaultTimeoutMinutes       = 30
	DefaultLaunchTimeoutSeconds = 900

	DefaultFTContainer = "zhiwen-ft"
	DefaultFTCondaEnv  = "ftransformers"
	DefaultFTPort      = 30000
	DefaultFTMode      = "correct"

	DefaultAMaaSAPIPort   = 10001
	DefaultAMaaSModelPort = 10011
)

// ScenarioConfig is implemented by the per scenario parameter variants only.
type ScenarioConfig interface {
	Scenario() Scenario
	// BenchmarkPort is the port the benchmark tool sends requests to.
	BenchmarkPort() int
	// HealthPort is the port polled while a launched model is starting.
	HealthPort() int
	ModelPath(model string) string
	TensorParallel() int
	isScenarioConfig()
}

// FTConfig describes a model served from an FT container.
type FTConfig struct {
	Container string `json:"container,omitempty"`
	CondaEnv  string `json:"conda_env,omitempty"`
	Port      int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Path      string `json:"model_path,omitempty"`
	TP        int    `json:"tensor_parallel,omitempty" validate:"omitempty,min=1"`
	Mode      string `json:"mode,omitempty"`
}

func (c *FTConfig) Scenario() Scenario { return ScenarioFT }
func (c *FTConfig) isScenarioConfig()  {}

func (c *FTConfig) BenchmarkPort() int {
	if c.Port == 0 {
		return DefaultFTPort
	}
	return c.Port
}

func (c *FTConfig) HealthPort() int { return c.BenchmarkPort() }

func (c *FTConfig) ModelPath(model string) string {
	if c.Path == "" {
		return model
	}
	return c.Path
}

func (c *FTConfig) TensorParallel() int {
	if c.TP < 1 {
		return 1
	}
	return c.TP
}

func (c *FTConfig) ContainerName() string {
	if c.Container == "" {
		return DefaultFTContainer
	}
	return c.Container
}

func (c *FTConfig) Env() string {
	if c.CondaEnv == "" {
		return DefaultFTCondaEnv
	}
	return c.CondaEnv
}

func (c *FTConfig) LaunchMode() string {
	if c.Mode == "" {
		return DefaultFTMode
	}
	return c.Mode
}

// AMaaSConfig describes a model served behind the AMaaS management API.
type AMaaSConfig struct {
	APIPort   int    `json:"api_port,omitempty" validate:"omitempty,min=1,max=65535"`
	ModelPort int    `json:"model_port,omitempty" validate:"omitempty,min=1,max=65535"`
	Path      string `json:"model_path,omitempty"`
	TP        int    `json:"tensor_parallel,omitempty" validate:"omitempty,min=1"`
}

func (c *AMaaSConfig) Scenario() Scenario { return ScenarioAMaaS }
func (c *AMaaSConfig) isScenarioConfig()  {}

func (c *AMaaSConfig) BenchmarkPort() int {
	if c.APIPort == 0 {
		return DefaultAMaaSAPIPort
	}
	return c.APIPort
}

func (c *AMaaSConfig) HealthPort() int {
	if c.ModelPort == 0 {
		return DefaultAMaaSModelPort
	}
	return c.ModelPort
}

func (c *AMaaSConfig) ModelPath(model string) string {
	if c.Path == "" {
		return model
	}
	return c.Path
}

func (c *AMaaSConfig) TensorParallel() int {
	if c.TP < 1 {
		return 1
	}
	return c.TP
}

// BenchParams are the parameters shared by every scenario.
type BenchParams struct {
	InputLength  int         `json:"input_length" validate:"required,min=1"`
	OutputLength int         `json:"output_length" validate:"required,min=1"`
	Concurrency  Concurrency `json:"concurrency,omitzero"`
	// Number is the request count of one pass, the concurrency value when unset.
	Number               int    `json:"number,omitempty" validate:"omitempty,min=1"`
	Loop                 int    `json:"loop,omitempty" validate:"omitempty,min=1"`
	Warmup               bool   `json:"warmup,omitempty"`
	Dataset              string `json:"dataset,omitempty"`
	TimeoutMinutes       int    `json:"timeout_minutes,omitempty" validate:"omitempty,min=1"`
	LaunchTimeoutSeconds int    `json:"launch_timeout_seconds,omitempty" validate:"omitempty,min=1"`
	TokenizerPath        string `json:"tokenizer_path,omitempty"`
	Debug                bool   `json:"debug,omitempty"`
	AutoLaunch           bool   `json:"auto_launch,omitempty"`
	StopAfterTest        bool   `json:"stop_after_test,omitempty"`
	KeepModel            bool   `json:"keep_model,omitempty"`
}

// Parameters is a tagged union on Scenario. Keys that are not part of the known
// parameter set are kept in Extra and written back unchanged.
type Parameters struct {
	Scenario Scenario `json:"scenario" validate:"required,oneof=ft amaas"`
	BenchParams
	FT    *FTConfig    `json:"ft,omitempty"`
	AMaaS *AMaaSConfig `json:"amaas,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var (
	knownParameterKeys = jsonKeys(reflect.TypeOf(Parameters{}))
	benchParamKeys     = jsonKeys(reflect.TypeOf(BenchParams{}))
)

// IsBenchParam reports whether key is a common benchmark parameter, as
// opposed to the scenario keys and the extra passthrough keys.
func IsBenchParam(key string) bool {
	_, ok := benchParamKeys[key]
	return ok
}

func jsonKeys(t reflect.Type) map[string]struct{} {
	keys := map[string]struct{}{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" {
			for k := range jsonKeys(f.Type) {
				keys[k] = struct{}{}
			}
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		keys[name] = struct{}{}
	}
	return keys
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	type plain Parameters
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if _, ok := knownParameterKeys[k]; ok {
			delete(all, k)
		}
	}
	known.Extra = nil
	if len(all) > 0 {
		known.Extra = all
	}
	*p = Parameters(known)
	return nil
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	type plain Parameters
	data, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return data, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Config returns the scenario variant, falling back to an empty variant so that
// the defaults apply.
func (p *Parameters) Config() ScenarioConfig {
	switch p.Scenario {
	case ScenarioAMaaS:
		if p.AMaaS != nil {
			return p.AMaaS
		}
		return &AMaaSConfig{}
	default:
		if p.FT != nil {
			return p.FT
		}
		return &FTConfig{}
	}
}

// CheckScenario verifies that only the variant matching the discriminator is set.
func (p *Parameters) CheckScenario() error {
	switch p.Scenario {
	case ScenarioFT:
		if p.AMaaS != nil {
			return fmt.Errorf("amaas parameters are not allowed for scenario %s", p.Scenario)
		}
	case ScenarioAMaaS:
		if p.FT != nil {
			return fmt.Errorf("ft parameters are not allowed for scenario %s", p.Scenario)
		}
	default:
		return fmt.Errorf("unsupported scenario: '%s'", p.Scenario)
	}
	return nil
}

func (p *BenchParams) LoopCount() int {
	if p.Loop < 1 {
		return DefaultLoop
	}
	return p.Loop
}

func (p *BenchParams) RequestCount(concurrency int) int {
	if p.Number < 1 {
		return max(1, concurrency)
	}
	return p.Number
}

func (p *BenchParams) BenchmarkTimeout() time.Duration {
	if p.TimeoutMinutes < 1 {
		return DefaultTimeoutMinutes * time.Minute
	}
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

func (p *BenchParams) LaunchTimeout() time.Duration {
	if p.LaunchTimeoutSeconds < 1 {
		return DefaultLaunchTimeoutSeconds * time.Second
	}
	return time.Duration(p.LaunchTimeoutSeconds) * time.Second
}
