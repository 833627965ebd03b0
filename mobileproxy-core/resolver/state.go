package resolver

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
)

// StateKind enumerates the resolution states
type StateKind int

const (
	// Pending means no terminal result has been produced yet
	Pending StateKind = iota
	// Resolved means the host has an address
	Resolved
	// Failed means the lookup finished without a usable address
	Failed
	// TimedOut means the deadline passed before the lookup finished
	TimedOut
)

func (k StateKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// State is the outcome of resolving one host.
type State struct {
	Kind StateKind
	Addr netip.Addr  // set when Kind is Resolved
	Err  *errs.Error // set when Kind is Failed or TimedOut
}

// PendingState returns the initial state.
func PendingState() State {
	return State{Kind: Pending}
}

// ResolvedState returns a Resolved state for addr.
func ResolvedState(addr netip.Addr) State {
	return State{Kind: Resolved, Addr: addr}
}

// FailedState returns a Failed state carrying err.
func FailedState(err *errs.Error) State {
	return State{Kind: Failed, Err: err}
}

// TimedOutState returns a TimedOut state for a deadline of d.
func TimedOutState(host string, d time.Duration) State {
	return State{
		Kind: TimedOut,
		Err:  errs.New(errs.ErrCodeResolutionTimedOut, fmt.Errorf("resolving %s took longer than %s", host, d)),
	}
}

// IsTerminal reports whether the state can no longer change.
func (s State) IsTerminal() bool {
	return s.Kind != Pending
}

func (s State) String() string {
	switch s.Kind {
	case Resolved:
		return fmt.Sprintf("resolved(%s)", s.Addr)
	case Failed, TimedOut:
		if s.Err != nil {
			return fmt.Sprintf("%s(%s)", s.Kind, s.Err.Code)
		}
	}
	return s.Kind.String()
}

// preferredAddr picks the first IPv4 address, falling back to the first address.
func preferredAddr(addrs []netip.Addr) (netip.Addr, bool) {
	for _, addr := range addrs {
		if addr.Is4() || addr.Is4In6() {
			return addr.Unmap(), true
		}
	}
	for _, addr := range addrs {
		if addr.IsValid() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
