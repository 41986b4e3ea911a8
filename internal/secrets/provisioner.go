package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Binding copies one output value of a deployed stack into a shared secret.
type Binding struct {
	SourceStack string `yaml:"sourceStack" json:"sourceStack"`
	SourceKey   string `yaml:"sourceKey" json:"sourceKey"`
	SecretID    string `yaml:"secretId" json:"secretId"`
	Transform   string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Validate checks the binding is complete and its transform is known.
func (b Binding) Validate() error {
	if strings.TrimSpace(b.SourceStack) == "" {
		return fmt.Errorf("secret binding: sourceStack is required")
	}
	if strings.TrimSpace(b.SourceKey) == "" {
		return fmt.Errorf("secret binding for %s: sourceKey is required", b.SourceStack)
	}
	if strings.TrimSpace(b.SecretID) == "" {
		return fmt.Errorf("secret binding for %s/%s: secretId is required", b.SourceStack, b.SourceKey)
	}
	if _, err := lookupTransform(b.Transform); err != nil {
		return fmt.Errorf("secret binding for %s: %w", b.SecretID, err)
	}
	return nil
}

// Outcome reports what a provisioning write did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// ErrSourceValueMissing marks a binding whose source stack deployed but
// produced no such output. Fatal for the binding, not for the run.
var ErrSourceValueMissing = errors.New("source stack produced no such output")

// Store is the narrow secret store contract the provisioner writes through.
type Store interface {
	// Get returns the current value and whether the secret exists.
	Get(ctx context.Context, secretID string) (string, bool, error)
	// Put creates or overwrites the secret.
	Put(ctx context.Context, secretID, value string) (Outcome, error)
	// Exists reports whether the secret is present without reading it.
	Exists(ctx context.Context, secretID string) (bool, error)
}

// Provisioner executes secret bindings against a store.
type Provisioner struct {
	store  Store
	logger *zap.Logger
}

func NewProvisioner(store Store, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{store: store, logger: logger}
}

// Provision reads the bound output from the deploy result, applies the
// transform, and writes the secret. Writing an identical value is a no-op.
func (p *Provisioner) Provision(ctx context.Context, binding Binding, outputs map[string]string) (Outcome, error) {
	if p.store == nil {
		return "", fmt.Errorf("secret store is not configured")
	}
	raw, ok := outputs[binding.SourceKey]
	if !ok {
		return "", fmt.Errorf("binding %s: output %q of stack %s: %w",
			binding.SecretID, binding.SourceKey, binding.SourceStack, ErrSourceValueMissing)
	}
	transform, err := lookupTransform(binding.Transform)
	if err != nil {
		return "", fmt.Errorf("binding %s: %w", binding.SecretID, err)
	}
	value := transform(raw)

	current, found, err := p.store.Get(ctx, binding.SecretID)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", binding.SecretID, err)
	}
	if found && current == value {
		p.logger.Debug("secret already current", zap.String("secret", binding.SecretID))
		return OutcomeUnchanged, nil
	}
	outcome, err := p.store.Put(ctx, binding.SecretID, value)
	if err != nil {
		return "", fmt.Errorf("write secret %s: %w", binding.SecretID, err)
	}
	p.logger.Info("secret provisioned",
		zap.String("secret", binding.SecretID),
		zap.String("source", binding.SourceStack),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}
