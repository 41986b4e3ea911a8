package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/example/rollctl/internal/plan"
)

// cloudFormationAPI is the slice of the CloudFormation client the deployer uses.
type cloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// CloudFormation deploys stacks as CloudFormation templates using
// create-or-update semantics and waits for the terminal stack status.
type CloudFormation struct {
	client       cloudFormationAPI
	logger       *zap.Logger
	pollInterval time.Duration
	templateRoot string
}

func NewCloudFormation(cfg aws.Config, templateRoot string, logger *zap.Logger) *CloudFormation {
	return newCloudFormation(cloudformation.NewFromConfig(cfg), templateRoot, logger)
}

func newCloudFormation(client cloudFormationAPI, templateRoot string, logger *zap.Logger) *CloudFormation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudFormation{
		client:       client,
		logger:       logger,
		pollInterval: 5 * time.Second,
		templateRoot: templateRoot,
	}
}

func (d *CloudFormation) Deploy(ctx context.Context, stack *plan.Stack) (Result, error) {
	if strings.TrimSpace(stack.Template) == "" {
		return Result{}, structural("stack %s declares no template", stack.Name)
	}
	templatePath := stack.Template
	if d.templateRoot != "" && !strings.HasPrefix(templatePath, "/") {
		templatePath = d.templateRoot + "/" + templatePath
	}
	body, err := os.ReadFile(templatePath)
	if err != nil {
		return Result{}, structural("read template for %s: %v", stack.Name, err)
	}

	name := stack.RemoteName
	existing, exists, err := d.describe(ctx, name)
	if err != nil {
		return Result{}, err
	}

	params := make([]cfntypes.Parameter, 0, len(stack.Parameters))
	for key, value := range stack.Parameters {
		params = append(params, cfntypes.Parameter{
			ParameterKey:   aws.String(key),
			ParameterValue: aws.String(value),
		})
	}
	tags := make([]cfntypes.Tag, 0, len(stack.Tags))
	for key, value := range stack.Tags {
		tags = append(tags, cfntypes.Tag{Key: aws.String(key), Value: aws.String(value)})
	}
	capabilities := []cfntypes.Capability{
		cfntypes.CapabilityCapabilityIam,
		cfntypes.CapabilityCapabilityNamedIam,
	}

	if !exists {
		d.logger.Info("creating stack", zap.String("stack", name))
		out, err := d.client.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(name),
			TemplateBody: aws.String(string(body)),
			Parameters:   params,
			Tags:         tags,
			Capabilities: capabilities,
		})
		if err != nil {
			return Result{}, classifyCFNError(err)
		}
		final, err := d.waitForTerminal(ctx, name)
		if err != nil {
			return Result{}, err
		}
		return Result{StackID: aws.ToString(out.StackId), Outputs: outputMap(final), Changed: true}, nil
	}

	d.logger.Info("updating stack", zap.String("stack", name))
	_, err = d.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(string(body)),
		Parameters:   params,
		Tags:         tags,
		Capabilities: capabilities,
	})
	if err != nil {
		if isNoUpdateErr(err) {
			d.logger.Debug("stack already current", zap.String("stack", name))
			return Result{StackID: aws.ToString(existing.StackId), Outputs: outputMap(existing), Changed: false}, nil
		}
		return Result{}, classifyCFNError(err)
	}
	final, err := d.waitForTerminal(ctx, name)
	if err != nil {
		return Result{}, err
	}
	return Result{StackID: aws.ToString(final.StackId), Outputs: outputMap(final), Changed: true}, nil
}

func (d *CloudFormation) describe(ctx context.Context, name string) (*cfntypes.Stack, bool, error) {
	out, err := d.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(name),
	})
	if err != nil {
		if isStackNotExistErr(err) {
			return nil, false, nil
		}
		return nil, false, classifyCFNError(err)
	}
	if len(out.Stacks) == 0 {
		return nil, false, nil
	}
	return &out.Stacks[0], true, nil
}

func (d *CloudFormation) waitForTerminal(ctx context.Context, name string) (*cfntypes.Stack, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollInterval):
		}
		stack, exists, err := d.describe(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, structural("stack %s disappeared while waiting", name)
		}
		status := stack.StackStatus
		switch {
		case status == cfntypes.StackStatusCreateComplete,
			status == cfntypes.StackStatusUpdateComplete:
			return stack, nil
		case strings.HasSuffix(string(status), "_IN_PROGRESS"):
			continue
		default:
			reason := aws.ToString(stack.StackStatusReason)
			return nil, structural("stack %s reached %s: %s", name, status, reason)
		}
	}
}

func outputMap(stack *cfntypes.Stack) map[string]string {
	out := map[string]string{}
	if stack == nil {
		return out
	}
	for _, o := range stack.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

func isStackNotExistErr(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func isNoUpdateErr(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}

func classifyCFNError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return fmt.Errorf("throttled: %w", err)
		case "ValidationError", "AccessDenied", "AccessDeniedException", "InsufficientCapabilitiesException":
			return &StructuralError{Err: err}
		}
	}
	return err
}
