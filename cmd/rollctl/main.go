// main.go bootstraps rollctl: it builds the root Cobra command and executes with signal-aware contexts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/rollctl/internal/plan"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	os.Exit(exitCodeFor(err))
}

// exitError carries an explicit process exit code through Cobra. A nil err
// means the failure was already rendered and only the code remains.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var planErr *plan.ErrPlanInvalid
	if errors.As(err, &planErr) {
		return 2
	}
	return 1
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return
	}
	message := err.Error()
	var planErr *plan.ErrPlanInvalid
	switch {
	case errors.As(err, &planErr):
		message = fmt.Sprintf("%s\nHint: validate the plan file with 'rollctl deploy --dry-run' after fixing it.", err)
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: increase --timeout-seconds or check provider availability.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	cmd := &cobra.Command{
		Use:           "rollctl",
		Short:         "Deployment orchestrator for interdependent infrastructure stacks",
		Long:          "rollctl deploys stacks in dependency order, provisions shared secrets, verifies cross-account trust, and probes endpoints after rollout.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for rollctl output (debug, info, warn, error)")

	deployCmd := newDeployCommand(&logLevel)
	verifyTrustCmd := newVerifyTrustCommand(&logLevel)
	probeCmd := newProbeCommand(&logLevel)
	runsCmd := newRunsCommand()
	cmd.AddCommand(deployCmd, verifyTrustCmd, probeCmd, runsCmd, newVersionCommand())
	cmd.Example = `  # Deploy the staging environment
  rollctl deploy --environment staging

  # Preview the waves without touching the provider
  rollctl deploy --environment staging --dry-run

  # Check a cross-account role before a production rollout
  rollctl verify-trust --account 123456789012 --role deployer --external-id org-42`
	bindViper(cmd, deployCmd, verifyTrustCmd, probeCmd, runsCmd)
	return cmd
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("ROLLCTL")
	v.AutomaticEnv()
	configFile := os.Getenv("ROLLCTL_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "rollctl"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "rollctl"))
		add(filepath.Join(home, ".rollctl"))
	}
	return dirs
}
