package domain

import (
	"fmt"
	"strings"
)

// Validate checks that the target can be dialed and authenticated.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target: id is required")
	}
	if t.Address == "" {
		return fmt.Errorf("target %s: address is required", t.ID)
	}
	if t.User == "" {
		return fmt.Errorf("target %s: user is required", t.ID)
	}
	if t.Credential.IsZero() {
		return fmt.Errorf("target %s: no password or private key resolved", t.ID)
	}
	return nil
}

// ValidateFleet checks a fleet for emptiness and duplicate identities.
func ValidateFleet(targets []Target) error {
	if len(targets) == 0 {
		return ConfigErrorf("empty target list")
	}
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		if t.ID == "" {
			return ConfigErrorf("target %d has no id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return ConfigErrorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

func (c RemoteCommand) Validate() error {
	if strings.TrimSpace(c.Script) == "" {
		return fmt.Errorf("command: script is empty")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("command: negative timeout %s", c.Timeout)
	}
	return nil
}
