// Package outcome defines the closed enumerations every emitted record is
// classified into: one branch set per traced operation and a single reason
// enumeration shared by all of them.
package outcome

import "fmt"

// Branch is an operation-scoped branch code. The same numeric value means
// different things in different operations; a Set gives it a name.
type Branch uint8

// Reason explains why a failing branch failed. Reasons are shared across
// operations.
type Reason uint8

// Shared reasons.
const (
	ReasonNone Reason = iota
	ReasonNotSpecified
	ReasonNoSocket
	ReasonTCPChecksum
	ReasonXFRMPolicy
	ReasonInvalidArgument
	ReasonAddrFamily
	ReasonAddrInUse
	ReasonAddrNotAvail
	ReasonNetUnreachable
	ReasonNoMemory
	ReasonFaultError

	reasonCount
)

// NumReasons is the size of the reason key space.
const NumReasons = int(reasonCount)

var reasonNames = [reasonCount]string{
	ReasonNone:            "none",
	ReasonNotSpecified:    "not_specified",
	ReasonNoSocket:        "no_socket",
	ReasonTCPChecksum:     "tcp_csum",
	ReasonXFRMPolicy:      "xfrm_policy",
	ReasonInvalidArgument: "invalid_argument",
	ReasonAddrFamily:      "addr_family",
	ReasonAddrInUse:       "addr_in_use",
	ReasonAddrNotAvail:    "addr_not_avail",
	ReasonNetUnreachable:  "net_unreachable",
	ReasonNoMemory:        "no_memory",
	ReasonFaultError:      "fault_error",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Valid reports whether r is a declared reason.
func (r Reason) Valid() bool {
	return r < reasonCount
}

// ReasonNames returns the reason names indexed by code.
func ReasonNames() []string {
	out := make([]string, len(reasonNames))
	copy(out, reasonNames[:])
	return out
}

// SKBDropCode returns the kernel's enum skb_drop_reason value for reasons
// that originate in the receive path, and 0 for the others.
func (r Reason) SKBDropCode() uint32 {
	switch r {
	case ReasonNotSpecified:
		return 2
	case ReasonNoSocket:
		return 3
	case ReasonTCPChecksum:
		return 5
	case ReasonXFRMPolicy:
		return 14
	default:
		return 0
	}
}

// Negative errno values returned by the traced kernel functions.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel errno names
const (
	ENOMEM        = -12
	EINVAL        = -22
	EAFNOSUPPORT  = -97
	EADDRINUSE    = -98
	EADDRNOTAVAIL = -99
	ENETUNREACH   = -101

	// MAX_ERRNO bounds the range the kernel treats as an error pointer.
	MAX_ERRNO = 4095
)

// FromResult maps a function result code to a reason. Zero is success, a known
// errno maps to its reason and any other non-zero code is unspecified.
func FromResult(rc int64) Reason {
	switch rc {
	case 0:
		return ReasonNone
	case EINVAL:
		return ReasonInvalidArgument
	case EAFNOSUPPORT:
		return ReasonAddrFamily
	case EADDRINUSE:
		return ReasonAddrInUse
	case EADDRNOTAVAIL:
		return ReasonAddrNotAvail
	case ENETUNREACH:
		return ReasonNetUnreachable
	case ENOMEM:
		return ReasonNoMemory
	default:
		return ReasonNotSpecified
	}
}

// IsErrorValue reports whether rc lies in the kernel's IS_ERR range.
func IsErrorValue(rc int64) bool {
	return rc < 0 && rc >= -MAX_ERRNO
}
