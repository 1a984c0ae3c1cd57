// Package secrets provides the secret-store collaborator. The metering plane
// never embeds the webhook signing secret or the Stripe API key; both are
// resolved by name at startup through a Source.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecretNotFound is returned when a named secret has no value.
var ErrSecretNotFound = errors.New("secrets: not found")

// Source resolves a named secret to its value.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvSource resolves secrets from environment variables. The secret name is
// upper-cased with dashes mapped to underscores, so "stripe-webhook-secret"
// reads STRIPE_WEBHOOK_SECRET.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Get(_ context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if s.Prefix != "" {
		key = s.Prefix + "_" + key
	}
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, name, key)
	}
	return value, nil
}

// FileSource resolves secrets from files under Dir, one file per secret.
// This matches mounted secret volumes where each key is a file name.
type FileSource struct {
	Dir string
}

func (s FileSource) Get(_ context.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.Clean(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// Chain tries each source in order, returning the first hit.
type Chain []Source

func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, src := range c {
		value, err := src.Get(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Static is a fixed in-memory source, used in tests.
type Static map[string]string

func (s Static) Get(_ context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}
