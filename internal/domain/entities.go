package domain

import (
	"net"
	"strconv"
	"time"
)

const redacted = "[REDACTED]"

// Credential is the secret material used to authenticate against a target.
// It never renders its contents through fmt, JSON or YAML.
type Credential struct {
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

func (c Credential) String() string   { return redacted }
func (c Credential) GoString() string { return redacted }

func (c Credential) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (c Credential) MarshalYAML() (any, error) { return redacted, nil }

// IsZero reports whether no secret is set.
func (c Credential) IsZero() bool {
	return c.Password == "" && len(c.PrivateKey) == 0
}

// Secrets returns every non-empty secret string so callers can scrub them
// from remote output.
func (c Credential) Secrets() []string {
	var out []string
	if c.Password != "" {
		out = append(out, c.Password)
	}
	if len(c.Passphrase) > 0 {
		out = append(out, string(c.Passphrase))
	}
	return out
}

// Target is one remote host of the fleet. Identity is ID.
type Target struct {
	ID         string            `json:"id" yaml:"id"`
	Address    string            `json:"address" yaml:"address"`
	Port       uint16            `json:"port" yaml:"port"`
	User       string            `json:"user" yaml:"user"`
	Credential Credential        `json:"-" yaml:"-"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Domain     string            `json:"domain,omitempty" yaml:"domain,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HostPort returns the dialable host:port of the target.
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(int(port)))
}

func (t Target) String() string { return t.ID + "(" + t.HostPort() + ")" }

// RemoteCommand is an opaque shell command with its deadline.
type RemoteCommand struct {
	Script  string        `json:"script" yaml:"script"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}
