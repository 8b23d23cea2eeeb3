package domain

import "fmt"

// KeyState is the reconciliation state of one desired key.
type KeyState string

const (
	KeyAbsent        KeyState = "absent"
	KeyPresent       KeyState = "present"
	KeyDuplicate     KeyState = "duplicate"
	KeyCreating      KeyState = "creating"
	KeyUpdating      KeyState = "updating"
	KeyDeduplicating KeyState = "deduplicating"
	KeyVerifying     KeyState = "verifying"
	KeyConverged     KeyState = "converged"
	KeyDivergent     KeyState = "divergent"
)

// IsTerminal reports whether the state ends a key's cycle.
func (s KeyState) IsTerminal() bool {
	return s == KeyConverged || s == KeyDivergent
}

// Transition validates from -> to.
func Transition(from, to KeyState) error {
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed key transition: %s -> %s", from, to)
	}
	return nil
}

func allowedTransition(from, to KeyState) bool {
	switch from {
	case KeyAbsent:
		return to == KeyCreating || to == KeyDivergent
	case KeyPresent:
		return to == KeyUpdating || to == KeyVerifying || to == KeyDivergent
	case KeyDuplicate:
		return to == KeyDeduplicating || to == KeyDivergent
	case KeyDeduplicating:
		return to == KeyUpdating || to == KeyCreating || to == KeyVerifying
	case KeyCreating, KeyUpdating:
		return to == KeyVerifying
	case KeyVerifying:
		return to == KeyConverged || to == KeyDivergent
	default:
		return false
	}
}
