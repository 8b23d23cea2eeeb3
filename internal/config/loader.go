package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Loader provides functionality to load and validate configuration files
type Loader struct {
	basePath string
}

// NewLoader creates a new configuration loader with the specified base path
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
	}
}

// LoadFleet loads a fleet file and resolves every target's credential.
// Relative key, password and known_hosts paths are resolved against the
// fleet file's directory.
func (l *Loader) LoadFleet(path string) (*Fleet, error) {
	fullPath := l.resolvePath(path)

	var file FleetFile
	if err := l.decode(fullPath, &file); err != nil {
		return nil, NewFleetLoadError(fullPath, "cannot decode", err)
	}

	file.applyDefaults()

	if err := file.Validate(); err != nil {
		return nil, NewFleetLoadError(fullPath, "validation failed", err)
	}

	dir := filepath.Dir(fullPath)
	fleet := &Fleet{
		Name:        file.Name,
		Concurrency: file.Concurrency,
		Timeout:     file.Timeout,
	}
	if file.KnownHosts != "" {
		fleet.KnownHosts = resolveRelative(dir, file.KnownHosts)
	}

	for _, entry := range file.Targets {
		cred, err := ResolveCredential(entry.Auth, dir)
		if err != nil {
			return nil, NewFleetLoadError(fullPath, "target "+entry.ID, err)
		}
		t := domain.Target{
			ID:         entry.ID,
			Address:    entry.Address,
			Port:       entry.Port,
			User:       entry.User,
			Credential: cred,
			Tags:       entry.Tags,
			Domain:     entry.Domain,
			Metadata:   entry.Metadata,
		}
		if err := t.Validate(); err != nil {
			return nil, NewFleetLoadError(fullPath, "invalid target", err)
		}
		fleet.Targets = append(fleet.Targets, t)
	}

	return fleet, nil
}

// LoadDesired loads and validates a desired-state file.
func (l *Loader) LoadDesired(path string) (*DesiredFile, error) {
	fullPath := l.resolvePath(path)

	var desired DesiredFile
	if err := l.decode(fullPath, &desired); err != nil {
		return nil, NewDesiredLoadError(fullPath, "cannot decode", err)
	}

	desired.applyDefaults()

	if err := desired.Validate(); err != nil {
		return nil, NewDesiredLoadError(fullPath, "validation failed", err)
	}

	if desired.API.TokenFile != "" {
		desired.API.TokenFile = resolveRelative(filepath.Dir(fullPath), desired.API.TokenFile)
	}
	if desired.Remediation != nil {
		desired.Remediation.Fleet = resolveRelative(filepath.Dir(fullPath), desired.Remediation.Fleet)
	}

	return &desired, nil
}

// decode reads path, expands ${VARS} and unmarshals it. JSON and JSONC
// files are normalized to plain JSON first; YAML accepts the result as-is.
func (l *Loader) decode(path string, out any) error {
	data, err := l.readFile(path)
	if err != nil {
		return err
	}

	data = l.expandEnvVars(data)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// resolvePath resolves a path relative to the loader's base path
func (l *Loader) resolvePath(path string) string {
	return resolveRelative(l.basePath, path)
}

// readFile reads a file and returns its contents
func (l *Loader) readFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}

	return os.ReadFile(path)
}

var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with its value and $$ with a literal $.
// Any other $ is kept as written.
func (l *Loader) expandEnvVars(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		if string(m) == "$$" {
			return []byte("$")
		}
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

func resolveRelative(base, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// LoaderError represents a configuration loading error
type LoaderError struct {
	Type    string
	Path    string
	Message string
	Cause   error
}

func (e LoaderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (caused by: %v)", e.Type, e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Path, e.Message)
}

func (e LoaderError) Unwrap() error {
	return e.Cause
}

func NewFleetLoadError(path, message string, cause error) error {
	return &domain.ConfigError{Msg: "fleet", Err: LoaderError{
		Type:    "fleet",
		Path:    path,
		Message: message,
		Cause:   cause,
	}}
}

func NewDesiredLoadError(path, message string, cause error) error {
	return &domain.ConfigError{Msg: "desired state", Err: LoaderError{
		Type:    "desired",
		Path:    path,
		Message: message,
		Cause:   cause,
	}}
}
