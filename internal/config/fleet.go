package config

import (
	"fmt"
	"time"

	"bytemomo/fleetwarden/internal/domain"
)

// FleetFile is the on-disk description of a fleet run.
type FleetFile struct {
	Name        string        `yaml:"name,omitempty"`
	KnownHosts  string        `yaml:"known_hosts,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Defaults    TargetSpec    `yaml:"defaults,omitempty"`
	Targets     []TargetSpec  `yaml:"targets"`
}

// TargetSpec describes one host. Empty fields inherit from FleetFile.Defaults.
type TargetSpec struct {
	ID       string            `yaml:"id"`
	Address  string            `yaml:"address"`
	Port     uint16            `yaml:"port,omitempty"`
	User     string            `yaml:"user,omitempty"`
	Auth     AuthSpec          `yaml:"auth,omitempty"`
	Tags     []string          `yaml:"tags,omitempty"`
	Domain   string            `yaml:"domain,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// AuthSpec names where a target's secrets come from. Inline values are
// accepted but env and file sources are preferred.
type AuthSpec struct {
	Password      string `yaml:"password,omitempty"`
	PasswordEnv   string `yaml:"password_env,omitempty"`
	PasswordFile  string `yaml:"password_file,omitempty"`
	KeyFile       string `yaml:"key_file,omitempty"`
	KeyEnv        string `yaml:"key_env,omitempty"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
}

func (a AuthSpec) IsZero() bool { return a == AuthSpec{} }

// Fleet is a loaded fleet with every credential resolved.
type Fleet struct {
	Name        string
	KnownHosts  string
	Concurrency int
	Timeout     time.Duration
	Targets     []domain.Target
}

// Select keeps only the targets whose ID is listed, or that carry one of
// tags. Empty filters keep everything. Order is preserved.
func (f *Fleet) Select(ids, tags []string) []domain.Target {
	if len(ids) == 0 && len(tags) == 0 {
		return f.Targets
	}
	idset := toSet(ids)
	tagset := toSet(tags)

	var out []domain.Target
TARGET:
	for _, t := range f.Targets {
		if _, ok := idset[t.ID]; ok {
			out = append(out, t)
			continue
		}
		for _, tag := range t.Tags {
			if _, ok := tagset[tag]; ok {
				out = append(out, t)
				continue TARGET
			}
		}
	}
	return out
}

// Validate checks structural constraints before credentials are resolved.
func (f *FleetFile) Validate() error {
	if len(f.Targets) == 0 {
		return fmt.Errorf("no targets defined")
	}
	if f.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	seen := make(map[string]bool)
	for i, t := range f.Targets {
		if t.ID == "" {
			return fmt.Errorf("target %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target id: %s", t.ID)
		}
		seen[t.ID] = true
		if t.Address == "" {
			return fmt.Errorf("target %s: address is required", t.ID)
		}
	}
	return nil
}

// applyDefaults fills empty target fields from the defaults block.
func (f *FleetFile) applyDefaults() {
	if f.Concurrency == 0 {
		f.Concurrency = 10
	}
	if f.Timeout == 0 {
		f.Timeout = 60 * time.Second
	}
	if f.Defaults.Port == 0 {
		f.Defaults.Port = 22
	}
	if f.Defaults.User == "" {
		f.Defaults.User = "root"
	}

	for i := range f.Targets {
		t := &f.Targets[i]
		if t.Port == 0 {
			t.Port = f.Defaults.Port
		}
		if t.User == "" {
			t.User = f.Defaults.User
		}
		if t.Auth.IsZero() {
			t.Auth = f.Defaults.Auth
		}
		if t.Domain == "" {
			t.Domain = f.Defaults.Domain
		}
		if len(t.Tags) == 0 {
			t.Tags = f.Defaults.Tags
		}
		if len(f.Defaults.Metadata) > 0 {
			merged := make(map[string]string, len(f.Defaults.Metadata)+len(t.Metadata))
			for k, v := range f.Defaults.Metadata {
				merged[k] = v
			}
			for k, v := range t.Metadata {
				merged[k] = v
			}
			t.Metadata = merged
		}
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
