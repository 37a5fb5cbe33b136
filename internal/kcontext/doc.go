// Package kcontext turns the raw argument slots of an observation into
// identifying context: connection endpoints, memory ranges, congestion
// control state.
//
// Reads never fail. The kernel programs copy fields with probe reads that can
// fault, and some fields cannot be read at all on some kernels, so every read
// goes through three checks: the operation's Layout must place the field, the
// observation's valid bitmask must mark the slot as read, and the kernel
// Profile must not list the field as a capability gap. A failed check yields
// the field's sentinel and is counted; the rest of the record is unaffected.
//
// Profiles are keyed on the kernel's major.minor release and use version
// constraints, the same way struct field offsets are versioned elsewhere:
//
//	icsk_ca_state   never readable (bit-field)
//	rtt_min         >= 4.10
//	rss member      >= 5.5
//	FAULT_FLAG_INSTRUCTION  0x100 from 5.0, 0x20 before
package kcontext
