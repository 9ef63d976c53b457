package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvStrict expands $VAR and ${VAR} in s. A ${VAR} whose variable is
// unset is an error naming every missing variable. $$ emits a literal $.
func ExpandEnvStrict(s string) (string, error) {
	const dollar = "\x00MEALSYNC_DOLLAR\x00"
	s = strings.ReplaceAll(s, "$$", dollar)

	missing := make(map[string]struct{})
	for _, match := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(match[1]); !ok {
			missing[match[1]] = struct{}{}
		}
	}
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(keys, ", "))
	}

	s = os.ExpandEnv(s)
	return strings.ReplaceAll(s, dollar, "$"), nil
}

// SecretProvider resolves secret references. Implementations must not log
// secret values.
type SecretProvider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvSecrets resolves secretref:env:<VAR>.
type EnvSecrets struct{}

// Name returns "env".
func (EnvSecrets) Name() string { return "env" }

// Resolve returns the value of the environment variable ref.
func (EnvSecrets) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, ref)
	}
	return v, nil
}

// FileSecrets resolves secretref:file:<name> to the trimmed contents of
// Dir/<name>. Names may not leave Dir.
type FileSecrets struct {
	Dir string
}

// Name returns "file".
func (FileSecrets) Name() string { return "file" }

// Resolve reads the named file.
func (f FileSecrets) Resolve(_ context.Context, ref string) (string, error) {
	clean := filepath.Clean(ref)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config: secret file %q escapes the secrets directory", ref)
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, clean))
	if err != nil {
		return "", fmt.Errorf("config: read secret %q: %w", ref, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ParseSecretRef splits secretref:<provider>:<ref>.
func ParseSecretRef(value string) (provider, ref string, ok bool) {
	const prefix = "secretref:"
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}
	provider, ref, ok = strings.Cut(strings.TrimPrefix(value, prefix), ":")
	if !ok || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

// ResolveSecret returns value unchanged unless it is a secret reference, in
// which case the matching provider resolves it. An empty resolution is an
// error.
func ResolveSecret(ctx context.Context, value string, providers ...SecretProvider) (string, error) {
	name, ref, ok := ParseSecretRef(value)
	if !ok {
		return value, nil
	}
	for _, p := range providers {
		if p == nil || p.Name() != name {
			continue
		}
		resolved, err := p.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		if resolved == "" {
			return "", fmt.Errorf("config: secret provider %q returned empty value", name)
		}
		return resolved, nil
	}
	return "", fmt.Errorf("%w: %q", ErrSecretProvider, name)
}

// ResolveSecrets resolves the secret-bearing fields in place.
func (c *Config) ResolveSecrets(ctx context.Context, providers ...SecretProvider) error {
	for _, field := range []*string{&c.Backend.Token, &c.Persistence.RedisPassword} {
		resolved, err := ResolveSecret(ctx, *field, providers...)
		if err != nil {
			return err
		}
		*field = resolved
	}
	return nil
}
