package config

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"
)

// DesiredFile declares the records that should exist in the external API.
type DesiredFile struct {
	KeyField    string                    `yaml:"key_field"`
	API         APIConfig                 `yaml:"api"`
	Compare     CompareConfig             `yaml:"compare,omitempty"`
	Reconcile   ReconcileOpts             `yaml:"reconcile,omitempty"`
	Remediation *RemediationConfig        `yaml:"remediation,omitempty"`
	Records     map[string]map[string]any `yaml:"records"`
}

// APIConfig configures the mailbox API client.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Resource     string        `yaml:"resource,omitempty"`
	TokenEnv     string        `yaml:"token_env,omitempty"`
	TokenFile    string        `yaml:"token_file,omitempty"`
	PageSize     int           `yaml:"page_size,omitempty"`
	MaxPages     int           `yaml:"max_pages,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	WriteDelay   time.Duration `yaml:"write_delay,omitempty"`
	UpdateMethod string        `yaml:"update_method,omitempty"`
	IDField      string        `yaml:"id_field,omitempty"`
	CreatedField string        `yaml:"created_field,omitempty"`
	ErrorField   string        `yaml:"error_field,omitempty"`
}

// CompareConfig lists fields that are compared loosely.
type CompareConfig struct {
	CaseInsensitive []string `yaml:"case_insensitive,omitempty"`
	TrimSpace       []string `yaml:"trim_space,omitempty"`
	Ignore          []string `yaml:"ignore,omitempty"`
}

// ReconcileOpts tunes the verify loop.
type ReconcileOpts struct {
	MaxVerifyAttempts int           `yaml:"max_verify_attempts,omitempty"`
	VerifyDelay       time.Duration `yaml:"verify_delay,omitempty"`
	Prune             bool          `yaml:"prune,omitempty"`
}

// RemediationConfig runs a fleet command before reconciling.
type RemediationConfig struct {
	Fleet       string        `yaml:"fleet"`
	Command     string        `yaml:"command"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
}

// DesiredState converts the declared records to the domain form.
func (d *DesiredFile) DesiredState() domain.DesiredState {
	out := make(domain.DesiredState, len(d.Records))
	for key, fields := range d.Records {
		f := make(domain.Fields, len(fields)+1)
		for k, v := range fields {
			f[k] = v
		}
		// the key field is implied by the map key
		if _, ok := f[d.KeyField]; !ok {
			f[d.KeyField] = key
		}
		out[key] = f
	}
	return out
}

// Validate checks the desired file before any API call.
func (d *DesiredFile) Validate() error {
	if d.KeyField == "" {
		return fmt.Errorf("key_field is required")
	}
	if len(d.Records) == 0 {
		return fmt.Errorf("no records declared")
	}
	if err := d.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	fold := slices.Contains(d.Compare.CaseInsensitive, d.KeyField)
	seen := make(map[string]string, len(d.Records))
	for _, key := range slices.Sorted(maps.Keys(d.Records)) {
		fields := d.Records[key]
		n := strings.TrimSpace(key)
		if n == "" {
			return fmt.Errorf("record with empty key")
		}
		if fold {
			n = strings.ToLower(n)
		}
		if prev, ok := seen[n]; ok {
			return fmt.Errorf("records %q and %q have the same key", prev, key)
		}
		seen[n] = key
		if v, ok := fields[d.KeyField]; ok && fmt.Sprint(v) != key {
			return fmt.Errorf("record %s: %s field %q does not match its key", key, d.KeyField, v)
		}
	}
	if d.Reconcile.MaxVerifyAttempts < 0 {
		return fmt.Errorf("reconcile.max_verify_attempts must be positive")
	}
	if d.Remediation != nil {
		if d.Remediation.Fleet == "" || d.Remediation.Command == "" {
			return fmt.Errorf("remediation requires fleet and command")
		}
	}
	return nil
}

// Validate checks the API settings. An empty BaseURL is accepted here
// because the CLI may supply it.
func (a APIConfig) Validate() error {
	if a.BaseURL != "" && !strings.HasPrefix(a.BaseURL, "https://") && !strings.HasPrefix(a.BaseURL, "http://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", a.BaseURL)
	}
	if a.PageSize < 0 {
		return fmt.Errorf("page_size must be positive")
	}
	switch strings.ToUpper(a.UpdateMethod) {
	case "", http.MethodPatch, http.MethodPut, http.MethodPost:
	default:
		return fmt.Errorf("unsupported update_method %q", a.UpdateMethod)
	}
	return nil
}

func (d *DesiredFile) applyDefaults() {
	if d.API.Resource == "" {
		d.API.Resource = "/accounts"
	}
	if d.API.TokenEnv == "" {
		d.API.TokenEnv = "WARMUP_API_TOKEN"
	}
	if d.API.PageSize == 0 {
		d.API.PageSize = 1200
	}
	if d.API.Timeout == 0 {
		d.API.Timeout = 30 * time.Second
	}
	if d.API.UpdateMethod == "" {
		d.API.UpdateMethod = http.MethodPatch
	}
	d.API.UpdateMethod = strings.ToUpper(d.API.UpdateMethod)
	if d.Reconcile.MaxVerifyAttempts == 0 {
		d.Reconcile.MaxVerifyAttempts = 3
	}
	if d.Reconcile.VerifyDelay == 0 {
		d.Reconcile.VerifyDelay = 2 * time.Second
	}
	if d.Remediation != nil && d.Remediation.Timeout == 0 {
		d.Remediation.Timeout = 60 * time.Second
	}
}
