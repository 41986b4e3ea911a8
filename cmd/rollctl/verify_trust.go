// verify_trust.go powers `rollctl verify-trust`: standalone cross-account role verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/rollctl/internal/logging"
	"github.com/example/rollctl/internal/trust"
)

func newVerifyTrustCommand(logLevel *string) *cobra.Command {
	var accountID, roleName, externalID string
	cmd := &cobra.Command{
		Use:   "verify-trust",
		Short: "Verify a cross-account role can be assumed with the declared external id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyTrust(cmd.Context(), accountID, roleName, externalID, *logLevel)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Target AWS account id (required)")
	cmd.Flags().StringVar(&roleName, "role", "", "Role name to assume in the target account (required)")
	cmd.Flags().StringVar(&externalID, "external-id", "", "External id declared in the role's trust policy")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func runVerifyTrust(ctx context.Context, accountID, roleName, externalID, logLevel string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer func() { _ = logger.Sync() }()

	rel := trust.Relationship{AccountID: accountID, RoleName: roleName, ExternalID: externalID}
	if err := rel.Validate(); err != nil {
		return &exitError{code: 2, err: err}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}
	validator := trust.NewValidator(awsCfg, logger)
	verified, err := validator.Verify(ctx, rel)
	if err != nil {
		var verr *trust.VerifyError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stdout, "%s %s (%s)\n", color.New(color.FgRed, color.Bold).Sprint("FAIL"), rel.RoleARN(), verr.Class)
			if verr.Class == trust.ClassRoleNotFound {
				// The role has to exist before any rollout can lean on it.
				return &exitError{code: 3, err: err}
			}
		}
		return err
	}
	fmt.Fprintf(os.Stdout, "%s %s verified at %s\n",
		color.New(color.FgGreen, color.Bold).Sprint("OK"),
		verified.RoleARN(),
		verified.VerifiedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
