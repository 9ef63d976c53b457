package config

import "errors"

var (
	// ErrInvalid is matched by every validation failure.
	ErrInvalid = errors.New("config: invalid")

	// ErrMissingEnv indicates a ${VAR} reference to an unset variable.
	ErrMissingEnv = errors.New("config: missing required environment variables")

	// ErrSecretProvider indicates a secretref to an unknown provider.
	ErrSecretProvider = errors.New("config: unknown secret provider")
)
