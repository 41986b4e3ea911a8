package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Relationship is a cross-account role plus external identifier that must be
// verifiable before cross-account operations are attempted.
type Relationship struct {
	AccountID  string    `yaml:"accountId" json:"accountId"`
	RoleName   string    `yaml:"roleName" json:"roleName"`
	ExternalID string    `yaml:"externalId" json:"externalId"`
	Verified   bool      `yaml:"-" json:"verified"`
	VerifiedAt time.Time `yaml:"-" json:"verifiedAt,omitempty"`
}

// RoleARN renders the assumable role ARN for the relationship.
func (r Relationship) RoleARN() string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", strings.TrimSpace(r.AccountID), strings.TrimSpace(r.RoleName))
}

// Validate checks the relationship is complete enough to verify.
func (r Relationship) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("trust relationship: accountId is required")
	}
	if strings.TrimSpace(r.RoleName) == "" {
		return fmt.Errorf("trust relationship for account %s: roleName is required", r.AccountID)
	}
	return nil
}

// Error classes for failed verification.
const (
	ClassRoleNotFound        = "ROLE_NOT_FOUND"
	ClassTrustPolicyMismatch = "TRUST_POLICY_MISMATCH"
	ClassTransient           = "TRANSIENT"
)

// VerifyError carries the classified cause of a failed verification.
type VerifyError struct {
	Class string
	Role  string
	Err   error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: %s: %v", e.Role, e.Class, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// assumeRoleAPI is the slice of the STS client the validator uses.
type assumeRoleAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Validator confirms cross-account roles can be assumed. It never mutates
// infrastructure; a successful short-lived session is the whole check.
type Validator struct {
	api         assumeRoleAPI
	sessionName string
	logger      *zap.Logger
	now         func() time.Time
}

func NewValidator(cfg aws.Config, logger *zap.Logger) *Validator {
	return newValidator(sts.NewFromConfig(cfg), logger)
}

func newValidator(api assumeRoleAPI, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		api:         api,
		sessionName: "rollctl-trust-check",
		logger:      logger,
		now:         time.Now,
	}
}

// Verify attempts to assume the described role with the described external
// identifier. Success returns the relationship with Verified set and
// VerifiedAt stamped; failures are classified into a VerifyError.
func (v *Validator) Verify(ctx context.Context, rel Relationship) (Relationship, error) {
	if err := rel.Validate(); err != nil {
		return rel, err
	}
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(rel.RoleARN()),
		RoleSessionName: aws.String(v.sessionName),
		DurationSeconds: aws.Int32(900),
	}
	if strings.TrimSpace(rel.ExternalID) != "" {
		input.ExternalId = aws.String(strings.TrimSpace(rel.ExternalID))
	}
	out, err := v.api.AssumeRole(ctx, input)
	if err != nil {
		class := classifyAssumeRoleError(err)
		v.logger.Warn("trust verification failed",
			zap.String("role", rel.RoleARN()),
			zap.String("class", class),
			zap.Error(err))
		return rel, &VerifyError{Class: class, Role: rel.RoleARN(), Err: err}
	}
	if out.Credentials == nil {
		return rel, &VerifyError{Class: ClassTransient, Role: rel.RoleARN(), Err: fmt.Errorf("assume role returned no credentials")}
	}
	rel.Verified = true
	rel.VerifiedAt = v.now().UTC()
	v.logger.Info("trust verified", zap.String("role", rel.RoleARN()))
	return rel, nil
}

// VerifyAll verifies every relationship and returns the stamped copies plus
// the per-relationship error (nil on success), index-aligned with the input.
func (v *Validator) VerifyAll(ctx context.Context, rels []Relationship) ([]Relationship, []error) {
	out := make([]Relationship, len(rels))
	errs := make([]error, len(rels))
	for i, rel := range rels {
		out[i], errs[i] = v.Verify(ctx, rel)
	}
	return out, errs
}

func classifyAssumeRoleError(err error) string {
	msg := strings.ToLower(err.Error())
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
			return ClassTransient
		case "AccessDenied", "AccessDeniedException":
			// STS answers AccessDenied both for missing roles and for trust
			// policies that exclude the caller; the message disambiguates.
			if strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") {
				return ClassRoleNotFound
			}
			return ClassTrustPolicyMismatch
		case "NoSuchEntity", "NoSuchEntityException":
			return ClassRoleNotFound
		}
	}
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"):
		return ClassRoleNotFound
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "not authorized"):
		return ClassTrustPolicyMismatch
	default:
		// Anything unrecognized (local credential/config trouble, DNS,
		// timeouts) is worth re-running before blaming the trust policy.
		return ClassTransient
	}
}
