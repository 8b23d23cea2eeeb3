package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

// DefaultEnvFile is loaded when present; a missing file is not an error.
const DefaultEnvFile = ".env"

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Explicitly named files must
// exist.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return &domain.ConfigError{Msg: "env file", Err: err}
	}
	return nil
}

// ResolveCredential reads the secrets an AuthSpec points at. Files are
// resolved relative to baseDir.
func ResolveCredential(a AuthSpec, baseDir string) (domain.Credential, error) {
	var cred domain.Credential

	switch {
	case a.PasswordEnv != "":
		v, ok := os.LookupEnv(a.PasswordEnv)
		if !ok || v == "" {
			return cred, fmt.Errorf("password env %s is not set", a.PasswordEnv)
		}
		cred.Password = v
	case a.PasswordFile != "":
		b, err := os.ReadFile(resolveRelative(baseDir, a.PasswordFile))
		if err != nil {
			return cred, fmt.Errorf("read password file: %w", err)
		}
		cred.Password = strings.TrimRight(string(b), "\r\n")
	case a.Password != "":
		cred.Password = a.Password
	}

	switch {
	case a.KeyEnv != "":
		v, ok := os.LookupEnv(a.KeyEnv)
		if !ok || v == "" {
			return cred, fmt.Errorf("key env %s is not set", a.KeyEnv)
		}
		cred.PrivateKey = []byte(v)
	case a.KeyFile != "":
		b, err := os.ReadFile(resolveRelative(baseDir, a.KeyFile))
		if err != nil {
			return cred, fmt.Errorf("read key file: %w", err)
		}
		cred.PrivateKey = b
	}

	if a.PassphraseEnv != "" {
		v, ok := os.LookupEnv(a.PassphraseEnv)
		if !ok {
			return cred, fmt.Errorf("passphrase env %s is not set", a.PassphraseEnv)
		}
		cred.Passphrase = []byte(v)
	}

	if cred.IsZero() {
		return cred, fmt.Errorf("no password or key configured")
	}
	return cred, nil
}

// promptSecret reads a secret from the controlling terminal. Replaced in tests.
var promptSecret = func(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ResolveAPIToken returns the bearer token from the configured env var or
// file, prompting on a terminal when allowed and nothing else is set.
func ResolveAPIToken(a APIConfig, allowPrompt bool) (string, error) {
	if a.TokenEnv != "" {
		if v := os.Getenv(a.TokenEnv); v != "" {
			return v, nil
		}
	}
	if a.TokenFile != "" {
		b, err := os.ReadFile(a.TokenFile)
		if err != nil {
			return "", &domain.ConfigError{Msg: "api token file", Err: err}
		}
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	if allowPrompt {
		tok, err := promptSecret("API token")
		if err == nil && tok != "" {
			return tok, nil
		}
	}
	return "", domain.ConfigErrorf("no API token: set %s or api.token_file", a.TokenEnv)
}
