package market

import "fmt"

// Status is the lifecycle state of a market.
type Status int32

const (
	StatusOpen Status = iota
	StatusLocked
	StatusResolved
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusLocked:
		return "locked"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "locked":
		return StatusLocked, nil
	case "resolved":
		return StatusResolved, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return 0, fmt.Errorf("unknown market status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// CanTransitionTo encodes the lifecycle graph:
//
//	Open   -> Locked | Resolved | Cancelled
//	Locked -> Resolved | Cancelled
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusLocked || next == StatusResolved || next == StatusCancelled
	case StatusLocked:
		return next == StatusResolved || next == StatusCancelled
	default:
		return false
	}
}
