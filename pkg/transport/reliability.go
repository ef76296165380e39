package transport

import (
	"fmt"
	"strings"
)

// Reliability is the delivery guarantee requested for a message.
type Reliability uint8

const (
	// Unspecified selects the session's fallback reliability.
	Unspecified Reliability = iota
	// Unreliable may drop, duplicate or reorder.
	Unreliable
	// UnreliableOrdered may drop but never delivers stale data after newer data.
	UnreliableOrdered
	// Reliable delivers exactly once in any order.
	Reliable
	// ReliableOrdered delivers exactly once in send order per channel.
	ReliableOrdered
)

func (r Reliability) String() string {
	switch r {
	case Unspecified:
		return "UNSPECIFIED"
	case Unreliable:
		return "UNRELIABLE"
	case UnreliableOrdered:
		return "UNRELIABLE_ORDERED"
	case Reliable:
		return "RELIABLE"
	case ReliableOrdered:
		return "RELIABLE_ORDERED"
	default:
		return fmt.Sprintf("Reliability(%d)", uint8(r))
	}
}

// Valid reports whether r names a concrete guarantee.
func (r Reliability) Valid() bool { return r >= Unreliable && r <= ReliableOrdered }

// Ordered reports whether r forbids reordering.
func (r Reliability) Ordered() bool { return r == UnreliableOrdered || r == ReliableOrdered }

// ParseReliability accepts the upper or lower case names, with '_' or '-'.
func ParseReliability(s string) (Reliability, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch norm {
	case "UNRELIABLE":
		return Unreliable, nil
	case "UNRELIABLE_ORDERED":
		return UnreliableOrdered, nil
	case "RELIABLE":
		return Reliable, nil
	case "RELIABLE_ORDERED", "":
		return ReliableOrdered, nil
	}
	return Unspecified, fmt.Errorf("transport: unknown reliability %q", s)
}

// ReliabilitySet is a bit set of supported reliabilities.
type ReliabilitySet uint8

// AllReliabilities contains every concrete guarantee.
const AllReliabilities = ReliabilitySet(1<<Unreliable | 1<<UnreliableOrdered | 1<<Reliable | 1<<ReliableOrdered)

func NewReliabilitySet(rs ...Reliability) ReliabilitySet {
	var s ReliabilitySet
	for _, r := range rs {
		if r.Valid() {
			s |= 1 << r
		}
	}
	return s
}

func (s ReliabilitySet) Has(r Reliability) bool { return r.Valid() && s&(1<<r) != 0 }

// List returns members in ascending strength.
func (s ReliabilitySet) List() []Reliability {
	out := make([]Reliability, 0, 4)
	for r := Unreliable; r <= ReliableOrdered; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s ReliabilitySet) String() string {
	parts := make([]string, 0, 4)
	for _, r := range s.List() {
		parts = append(parts, r.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
