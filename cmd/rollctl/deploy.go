// deploy.go powers `rollctl deploy`: plan loading, wave execution, and report rendering.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/rollctl/internal/deployer"
	"github.com/example/rollctl/internal/logging"
	"github.com/example/rollctl/internal/plan"
	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/rollout"
	"github.com/example/rollctl/internal/secrets"
	"github.com/example/rollctl/internal/trust"
)

type deployOptions struct {
	environment    string
	planFile       string
	dryRun         bool
	concurrency    int
	timeoutSeconds int
	maxAttempts    int
	jsonOutput     bool
	secretBackend  string
	noState        bool
}

func newDeployCommand(logLevel *string) *cobra.Command {
	opts := deployOptions{
		planFile:    "rollout.yaml",
		concurrency: 4,
		maxAttempts: 3,
	}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy every stack of the plan in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), opts, *logLevel)
		},
	}
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "Environment name used to namespace stack, secret, and role names (required)")
	cmd.Flags().StringVarP(&opts.planFile, "plan-file", "f", opts.planFile, "Path to the rollout plan file")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Compile the plan and print the waves without deploying")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", opts.concurrency, "Maximum concurrent deploys within one wave")
	cmd.Flags().IntVar(&opts.timeoutSeconds, "timeout-seconds", 0, "Abort the run after this many seconds (0 disables)")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", opts.maxAttempts, "Deploy attempts per stack for transient failures")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Render the run report as JSON")
	cmd.Flags().StringVar(&opts.secretBackend, "secret-backend", "aws", "Secret store backend (aws or vault)")
	cmd.Flags().BoolVar(&opts.noState, "no-state", false, "Skip recording the run in the local history database")
	_ = cmd.MarkFlagRequired("environment")
	return cmd
}

func runDeploy(ctx context.Context, opts deployOptions, logLevel string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer func() { _ = logger.Sync() }()

	p, err := plan.Load(opts.planFile, opts.environment)
	if err != nil {
		return err
	}
	if opts.dryRun {
		renderPlanPreview(os.Stdout, p)
		return nil
	}

	if opts.timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.timeoutSeconds)*time.Second)
		defer cancel()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}

	store, err := buildSecretStore(opts.secretBackend, awsCfg)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	runOpts := rollout.Options{
		Plan:        p,
		Deployer:    deployer.NewCloudFormation(awsCfg, filepath.Dir(opts.planFile), logger),
		SecretStore: store,
		Probes:      probe.NewEngine(nil, logger),
		Concurrency: opts.concurrency,
		MaxAttempts: opts.maxAttempts,
		Logger:      logger,
	}
	if len(p.Trust) > 0 {
		runOpts.Trust = trust.NewValidator(awsCfg, logger)
	}
	if !opts.noState {
		state, err := rollout.OpenStateStore(".", false)
		if err != nil {
			logger.Warn("run history disabled", zap.Error(err))
		} else {
			defer state.Close()
			runOpts.State = state
		}
	}
	if !opts.jsonOutput {
		runOpts.Observers = append(runOpts.Observers, newConsoleObserver(os.Stderr))
	}

	report, err := rollout.Run(ctx, runOpts)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		if err := renderReportJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		renderReport(os.Stdout, report)
	}
	if code := report.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func buildSecretStore(backend string, awsCfg aws.Config) (secrets.Store, error) {
	switch backend {
	case "aws", "":
		return secrets.NewAWSStore(awsCfg), nil
	case "vault":
		return secrets.NewVaultStore(secrets.VaultConfig{
			Address:   os.Getenv("VAULT_ADDR"),
			Token:     os.Getenv("VAULT_TOKEN"),
			Namespace: os.Getenv("VAULT_NAMESPACE"),
			Mount:     os.Getenv("ROLLCTL_VAULT_MOUNT"),
		})
	default:
		return nil, fmt.Errorf("unknown secret backend %q (expected aws or vault)", backend)
	}
}
