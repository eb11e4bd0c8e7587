package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/remote"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	commandCapability = "capability"
	commandBenchmark  = "benchmark"
	commandLaunch     = "launch"
	commandHealth     = "health"
	commandStop       = "stop"
	commandEnvDeploy  = "env_deploy"
	commandEvalTest   = "eval_test"
)

var templateFuncs = template.FuncMap{
	"q":        remote.ShellQuote,
	"required": required,
}

func required(name string, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("parameter %s is required", name)
	}
	return value, nil
}

// CommandData is the value the command templates are executed with.
type CommandData struct {
	Tool      string
	Scenario  string
	TaskID    string
	DisplayID int64

	Host       string
	TargetHost string
	Port       int
	HealthPort int
	APIPort    int
	ModelPort  int

	Model     string
	ModelPath string
	Container string
	CondaEnv  string
	Mode      string
	TP        int

	Concurrency   int
	Number        int
	InputLength   int
	OutputLength  int
	Loop          int
	TokenizerPath string
	Dataset       string
	Warmup        bool
	Debug         bool
	KeepModel     bool

	params map[string]string
}

// Param returns the extra task parameter key as text. Unset, null and false
// values are empty so that templates can test them with if and with.
func (d CommandData) Param(key string) string {
	return d.params[key]
}

func extraParams(extra map[string]json.RawMessage) map[string]string {
	params := make(map[string]string, len(extra))
	for key, raw := range extra {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		switch v := value.(type) {
		case nil:
		case bool:
			if v {
				params[key] = "true"
			}
		case string:
			params[key] = v
		default:
			params[key] = string(raw)
		}
	}
	return params
}

func newCommandData(tool string, task *api.Task, concurrency int) CommandData {
	params := &task.Parameters
	scenario := params.Config()
	data := CommandData{
		Tool:      tool,
		Scenario:  string(scenario.Scenario()),
		TaskID:    task.ID,
		DisplayID: task.DisplayID,

		// the model is served on the benchmarked host itself
		Host:       "127.0.0.1",
		TargetHost: targetHost(task.Target),
		Port:       scenario.BenchmarkPort(),
		HealthPort: scenario.HealthPort(),

		Model:     task.Model,
		ModelPath: scenario.ModelPath(task.Model),
		TP:        scenario.TensorParallel(),

		Concurrency:   concurrency,
		Number:        params.RequestCount(concurrency),
		InputLength:   params.InputLength,
		OutputLength:  params.OutputLength,
		Loop:          params.LoopCount(),
		TokenizerPath: params.TokenizerPath,
		Dataset:       params.Dataset,
		Warmup:        params.Warmup,
		Debug:         params.Debug,
		KeepModel:     params.KeepModel,

		params: extraParams(params.Extra),
	}
	if ip := data.Param("ip"); ip != "" {
		data.TargetHost = ip
	}
	switch c := scenario.(type) {
	case *api.FTConfig:
		data.Container = c.ContainerName()
		data.CondaEnv = c.Env()
		data.Mode = c.LaunchMode()
	case *api.AMaaSConfig:
		data.APIPort = c.BenchmarkPort()
		data.ModelPort = c.HealthPort()
	}
	return data
}

func targetHost(target api.ExecutionTarget) string {
	if target.Remote != nil {
		return target.Remote.Host
	}
	return "127.0.0.1"
}

// commandSet holds the parsed command templates, keyed by scenario.
type commandSet struct {
	capability *template.Template
	byScenario map[string]map[string]*template.Template
}

func parseCommands(commands config.CommandTemplates) (*commandSet, error) {
	set := &commandSet{byScenario: map[string]map[string]*template.Template{}}
	var err error
	if set.capability, err = parseTemplate(commandCapability, commands.Capability); err != nil {
		return nil, err
	}
	for name, templates := range map[string]map[string]string{
		commandBenchmark: commands.Benchmark,
		commandLaunch:    commands.Launch,
		commandHealth:    commands.Health,
		commandStop:      commands.Stop,
		commandEnvDeploy: commands.EnvDeploy,
		commandEvalTest:  commands.EvalTest,
	} {
		parsed := map[string]*template.Template{}
		for scenario, text := range templates {
			if parsed[scenario], err = parseTemplate(name+"."+scenario, text); err != nil {
				return nil, err
			}
		}
		set.byScenario[name] = parsed
	}
	return set, nil
}

func parseTemplate(name string, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid %s command template: %w", name, err)
	}
	return t, nil
}

func (c *commandSet) render(name string, scenario string, data CommandData) (string, error) {
	t := c.capability
	if name != commandCapability {
		t = c.byScenario[name][scenario]
	}
	if t == nil {
		return "", templateError(name, fmt.Errorf("no %s command is configured for scenario %s", name, scenario))
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", templateError(name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func templateError(name string, err error) error {
	return serviceerrors.NewTaskError(serviceerrors.KindSetup, err, messages.CommandTemplateFailed, "Name", name, "Error", err.Error())
}
