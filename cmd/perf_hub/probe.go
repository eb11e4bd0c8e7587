package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llm-perf/perf-hub/internal/hardware"
	"github.com/llm-perf/perf-hub/internal/recommender"
	"github.com/llm-perf/perf-hub/internal/remote"
	"github.com/llm-perf/perf-hub/pkg/api"
)

type probeOptions struct {
	host         string
	port         int
	user         string
	password     string
	keyFile      string
	passphrase   string
	format       string
	engine       string
	inputLength  int
	outputLength int
}

type probeOutput struct {
	Hardware       *api.HardwareSnapshot `json:"hardware"`
	Recommendation api.Recommendation    `json:"recommendation"`
}

func newProbeCommand() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Inspect a host and recommend a benchmark concurrency",
		Long: "Runs the hardware inspection on the local host, or on --host over SSH, " +
			"and prints the snapshot together with the concurrency recommendation.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "", "remote host, the local host is probed when empty")
	flags.IntVar(&opts.port, "port", 22, "SSH port")
	flags.StringVar(&opts.user, "user", "", "SSH user")
	flags.StringVar(&opts.password, "password", "", "SSH password")
	flags.StringVar(&opts.keyFile, "key", "", "private key file")
	flags.StringVar(&opts.passphrase, "passphrase", "", "private key passphrase")
	flags.StringVarP(&opts.format, "format", "o", formatJSON, "output format, json or yaml")
	flags.StringVar(&opts.engine, "engine", "", "engine the recommendation is for")
	flags.IntVar(&opts.inputLength, "input-length", 0, "benchmark input length")
	flags.IntVar(&opts.outputLength, "output-length", 0, "benchmark output length")
	return cmd
}

func (o *probeOptions) target() (api.ExecutionTarget, error) {
	if o.host == "" {
		return api.ExecutionTarget{Local: true}, nil
	}
	conn := &api.RemoteConnection{
		Host: o.host,
		Port: o.port,
		User: o.user,
	}
	switch {
	case o.keyFile != "":
		key, err := os.ReadFile(o.keyFile)
		if err != nil {
			return api.ExecutionTarget{}, fmt.Errorf("failed to read the private key: %w", err)
		}
		conn.Auth = api.AuthKey
		conn.PrivateKey = string(key)
		conn.Passphrase = o.passphrase
	case o.password != "":
		conn.Auth = api.AuthPassword
		conn.Password = o.password
	default:
		return api.ExecutionTarget{}, fmt.Errorf("--password or --key is required with --host")
	}
	return api.ExecutionTarget{Remote: conn}, nil
}

func runProbe(cmd *cobra.Command, opts *probeOptions) error {
	target, err := opts.target()
	if err != nil {
		return err
	}
	serviceConfig, logger, logShutdown, err := loadCommandConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logShutdown() }()

	ctx := cmd.Context()
	executor, err := remote.NewFactory(logger, &serviceConfig.Runner).Open(ctx, target)
	if err != nil {
		return err
	}
	defer func() { _ = executor.Close() }()

	snapshot, err := hardware.NewProbe(logger, serviceConfig.Runner.ProbeTimeout).Run(ctx, executor)
	if err != nil {
		return err
	}
	recommendation := recommender.New(serviceConfig.Recommender).Recommend(snapshot, recommender.Request{
		Engine:       opts.engine,
		InputLength:  opts.inputLength,
		OutputLength: opts.outputLength,
	})
	return writeOutput(cmd.OutOrStdout(), opts.format, probeOutput{Hardware: snapshot, Recommendation: recommendation})
}
