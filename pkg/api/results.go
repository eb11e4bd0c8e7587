package api

// GPU is one device reported by the hardware probe. Memory is in MiB.
type GPU struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	TotalMB int64  `json:"total_mb"`
	FreeMB  int64  `json:"free_mb"`
}

// HardwareSnapshot is produced once per probe invocation.
type HardwareSnapshot struct {
	Host       string   `json:"host" yaml:"host"`
	GPUs       []GPU    `json:"gpus" yaml:"gpus"`
	CPUCores   int      `json:"cpu_cores" yaml:"cpu_cores"`
	RAMTotalMB int64    `json:"ram_total_mb" yaml:"ram_total_mb"`
	RAMFreeMB  int64    `json:"ram_free_mb" yaml:"ram_free_mb"`
	OS         string   `json:"os,omitempty" yaml:"os,omitempty"`
	Kernel     string   `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// Complete is false when any section could not be parsed.
	Complete bool `json:"complete" yaml:"complete"`
}

// Recommendation is the outcome of the concurrency recommender.
type Recommendation struct {
	Concurrency  int      `json:"concurrency" yaml:"concurrency"`
	Sweep        []int    `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Raw          int      `json:"raw" yaml:"raw"`
	PerRequestMB float64  `json:"per_request_mb" yaml:"per_request_mb"`
	UsableMB     int64    `json:"usable_mb" yaml:"usable_mb"`
	Unverified   bool     `json:"unverified" yaml:"unverified"`
	Reasons      []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// Values returns the passes to run for this recommendation.
func (r *Recommendation) Values() []int {
	if len(r.Sweep) > 0 {
		return r.Sweep
	}
	return []int{r.Concurrency}
}

// ResultSample is one executed request.
type ResultSample struct {
	Round       int      `json:"round"`
	Slot        int      `json:"slot"`
	Concurrency int      `json:"concurrency"`
	Latency     *float64 `json:"latency,omitempty"`
	Tokens      int      `json:"tokens"`
	TokensPerS  float64  `json:"tokens_per_s"`
	Success     bool     `json:"success"`
	Error       *string  `json:"error,omitempty"`
}

// LatencyStats are nil when no sample carried a latency.
type LatencyStats struct {
	Avg *float64 `json:"avg"`
	P50 *float64 `json:"p50"`
	P90 *float64 `json:"p90"`
	P95 *float64 `json:"p95"`
	P99 *float64 `json:"p99"`
}

// ResultSummary is always recomputed from the full sample set.
type ResultSummary struct {
	Engine       string `json:"engine"`
	Model        string `json:"model"`
	InputLength  int    `json:"input_length"`
	OutputLength int    `json:"output_length"`
	Concurrency  []int  `json:"concurrency"`
	Loop         int    `json:"loop"`

	TotalRequests      int `json:"total_requests"`
	SuccessfulRequests int `json:"successful_requests"`
	FailedRequests     int `json:"failed_requests"`

	Latency LatencyStats `json:"latency"`
	// ErrorRate is nil for an empty sample set.
	ErrorRate *float64 `json:"error_rate"`
	// Throughput is successful tokens per second of wall clock.
	Throughput       *float64 `json:"throughput"`
	WallClockSeconds float64  `json:"wall_clock_seconds"`
	MalformedLines   int      `json:"malformed_lines"`

	ExecutionMode  ExecutionMode   `json:"execution_mode,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	PerConcurrency []ResultSummary `json:"per_concurrency,omitempty"`
}
