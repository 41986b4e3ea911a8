package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// secretsManagerAPI is the slice of the Secrets Manager client the store uses.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSStore writes shared secrets to AWS Secrets Manager.
type AWSStore struct {
	client secretsManagerAPI
}

func NewAWSStore(cfg aws.Config) *AWSStore {
	return &AWSStore{client: secretsmanager.NewFromConfig(cfg)}
}

func (s *AWSStore) Get(ctx context.Context, secretID string) (string, bool, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		if isSecretNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if out.SecretString == nil {
		return "", true, nil
	}
	return *out.SecretString, true, nil
}

func (s *AWSStore) Exists(ctx context.Context, secretID string) (bool, error) {
	_, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		if isSecretNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AWSStore) Put(ctx context.Context, secretID, value string) (Outcome, error) {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretID),
		SecretString: aws.String(value),
	})
	if err == nil {
		return OutcomeUpdated, nil
	}
	if !isSecretNotFound(err) {
		return "", err
	}
	if _, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretID),
		SecretString: aws.String(value),
	}); err != nil {
		return "", fmt.Errorf("create secret: %w", err)
	}
	return OutcomeCreated, nil
}

func isSecretNotFound(err error) bool {
	var notFound *smtypes.ResourceNotFoundException
	return errors.As(err, &notFound)
}
