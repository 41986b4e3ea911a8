// probe.go powers `rollctl probe`: ad-hoc endpoint probing from a spec file.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/rollctl/internal/logging"
	"github.com/example/rollctl/internal/probe"
)

func newProbeCommand(logLevel *string) *cobra.Command {
	var specFile string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run endpoint probes from a spec file for ad-hoc diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), specFile, jsonOutput, *logLevel)
		},
	}
	cmd.Flags().StringVar(&specFile, "spec-file", "", "Path to the probe spec file (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Render probe results as JSON")
	_ = cmd.MarkFlagRequired("spec-file")
	return cmd
}

func runProbe(ctx context.Context, specFile string, jsonOutput bool, logLevel string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer func() { _ = logger.Sync() }()

	specs, err := probe.LoadSpecFile(specFile)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	engine := probe.NewEngine(nil, logger)
	results := engine.RunAll(ctx, specs)

	if jsonOutput {
		if err := renderProbesJSON(os.Stdout, results); err != nil {
			return err
		}
	} else {
		renderProbes(os.Stdout, results)
	}
	for _, res := range results {
		if res.Outcome == probe.OutcomeFail {
			return &exitError{code: 1}
		}
	}
	return nil
}
