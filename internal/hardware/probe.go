package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	SectionGPU    = "GPU"
	SectionCPU    = "CPU"
	SectionMemory = "MEM"
	SectionOS     = "OS"
	SectionKernel = "KERNEL"

	sectionPrefix = "### "

	DefaultTimeout = 300 * time.Second
)

var sections = []string{SectionGPU, SectionCPU, SectionMemory, SectionOS, SectionKernel}

// InspectionCommand prints one delimited section per resource. Every section
// tolerates a missing tool so that a partial host still yields a snapshot.
var InspectionCommand = strings.Join([]string{
	"echo '### GPU'",
	"nvidia-smi --query-gpu=index,name,memory.total,memory.free --format=csv,noheader,nounits 2>/dev/null || true",
	"echo '### CPU'",
	"nproc 2>/dev/null || true",
	"echo '### MEM'",
	"free -m 2>/dev/null || true",
	"echo '### OS'",
	`(. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME") || true`,
	"echo '### KERNEL'",
	"uname -r 2>/dev/null || true",
}, "; ")

// Probe collects a hardware snapshot from an execution target.
type Probe struct {
	logger  *slog.Logger
	timeout time.Duration
}

func NewProbe(logger *slog.Logger, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{logger: logger, timeout: timeout}
}

// Run executes the inspection command once and parses its output. Parse
// problems are reported as snapshot warnings; only transport, timeout and
// cancellation errors are returned.
func (p *Probe) Run(ctx context.Context, executor abstractions.Executor) (*api.HardwareSnapshot, error) {
	var mu sync.Mutex
	var lines []string
	start := time.Now()
	_, err := executor.Execute(ctx, InspectionCommand, p.timeout, func(stream abstractions.Stream, line string) {
		if stream != abstractions.Stdout {
			return
		}
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	var warnings []string
	if err != nil {
		if !serviceerrors.IsKind(err, serviceerrors.KindCommand) {
			return nil, err
		}
		// a failing section does not invalidate the ones that were printed
		warnings = append(warnings, fmt.Sprintf("inspection command failed: %s", err.Error()))
	}

	mu.Lock()
	snapshot := Parse(lines)
	mu.Unlock()
	snapshot.Host = executor.Target()
	if len(warnings) > 0 {
		snapshot.Warnings = append(warnings, snapshot.Warnings...)
		snapshot.Complete = false
	}
	p.logger.Info("Hardware probe finished",
		"host", snapshot.Host,
		"gpus", len(snapshot.GPUs),
		"complete", snapshot.Complete,
		"warnings", len(snapshot.Warnings),
		"duration", time.Since(start).String())
	return snapshot, nil
}

// Parse builds a snapshot from the output of InspectionCommand. It never fails:
// every section that is missing or cannot be read adds a warning and marks the
// snapshot incomplete.
func Parse(lines []string) *api.HardwareSnapshot {
	blocks := splitSections(lines)
	s := &api.HardwareSnapshot{GPUs: []api.GPU{}, Complete: true}
	warn := func(format string, a ...any) {
		s.Warnings = append(s.Warnings, fmt.Sprintf(format, a...))
		s.Complete = false
	}

	for _, name := range sections {
		body, ok := blocks[name]
		if !ok {
			warn("section %s missing from the probe output", name)
			continue
		}
		switch name {
		case SectionGPU:
			parseGPUs(s, body, warn)
		case SectionCPU:
			cores, err := strconv.Atoi(firstLine(body))
			if err != nil || cores < 1 {
				warn("cpu: unreadable core count %q", firstLine(body))
				continue
			}
			s.CPUCores = cores
		case SectionMemory:
			parseMemory(s, body, warn)
		case SectionOS:
			s.OS = strings.Trim(firstLine(body), `"`)
			if s.OS == "" {
				warn("os: no PRETTY_NAME reported")
			}
		case SectionKernel:
			s.Kernel = firstLine(body)
			if s.Kernel == "" {
				warn("kernel: no release reported")
			}
		}
	}
	return s
}

func splitSections(lines []string) map[string][]string {
	blocks := map[string][]string{}
	current := ""
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, sectionPrefix); ok {
			current = strings.TrimSpace(name)
			if _, exists := blocks[current]; !exists {
				blocks[current] = []string{}
			}
			continue
		}
		if current == "" || line == "" {
			continue
		}
		blocks[current] = append(blocks[current], line)
	}
	return blocks
}

func firstLine(body []string) string {
	if len(body) == 0 {
		return ""
	}
	return strings.TrimSpace(body[0])
}

func parseGPUs(s *api.HardwareSnapshot, body []string, warn func(string, ...any)) {
	for _, line := range body {
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			warn("gpu: unreadable line %q", line)
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			warn("gpu: unreadable index in %q", line)
			continue
		}
		total, errTotal := parseMB(fields[len(fields)-2])
		free, errFree := parseMB(fields[len(fields)-1])
		if errTotal != nil || errFree != nil {
			warn("gpu %d: unreadable memory in %q", index, line)
			continue
		}
		// the name may itself contain commas
		name := strings.Join(fields[1:len(fields)-2], ",")
		s.GPUs = append(s.GPUs, api.GPU{Index: index, Name: name, TotalMB: total, FreeMB: free})
	}
	if len(s.GPUs) == 0 {
		warn("gpu: no devices reported")
	}
}

func parseMB(value string) (int64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative memory value %s", value)
	}
	return int64(f), nil
}

// parseMemory reads the Mem: row of free -m. The available column is preferred
// over free when the tool reports it.
func parseMemory(s *api.HardwareSnapshot, body []string, warn func(string, ...any)) {
	for _, line := range body {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "Mem:" {
			continue
		}
		total, err := parseMB(fields[1])
		if err != nil {
			break
		}
		freeField := fields[3]
		if len(fields) >= 7 {
			freeField = fields[6]
		}
		free, err := parseMB(freeField)
		if err != nil {
			break
		}
		s.RAMTotalMB = total
		s.RAMFreeMB = free
		return
	}
	warn("mem: no readable Mem: row")
}
