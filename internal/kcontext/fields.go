package kcontext

import "fmt"

// Field identifies one value the kernel programs copy out of an observed
// object.
type Field uint8

// Fields known to the extractor.
const (
	FieldSaddr Field = iota
	FieldDaddr
	FieldSport
	FieldDport
	FieldFamily
	FieldSkState
	FieldAddress
	FieldFaultFlags
	FieldLength
	FieldAdvice
	FieldStart
	FieldEnd
	FieldMember
	FieldCounter
	FieldCwnd
	FieldSsthresh
	FieldPacketsOut
	FieldSackedOut
	FieldLostOut
	FieldRetransOut
	FieldSrtt
	FieldRttMin
	FieldMSS
	FieldCAState
	FieldCANameLo
	FieldCANameHi
	FieldEventArg
	FieldTCPCwnd

	numFields
)

var fieldNames = [numFields]string{
	FieldSaddr:      "saddr",
	FieldDaddr:      "daddr",
	FieldSport:      "sport",
	FieldDport:      "dport",
	FieldFamily:     "family",
	FieldSkState:    "sk_state",
	FieldAddress:    "address",
	FieldFaultFlags: "fault_flags",
	FieldLength:     "length",
	FieldAdvice:     "advice",
	FieldStart:      "start",
	FieldEnd:        "end",
	FieldMember:     "member",
	FieldCounter:    "counter",
	FieldCwnd:       "snd_cwnd",
	FieldSsthresh:   "snd_ssthresh",
	FieldPacketsOut: "packets_out",
	FieldSackedOut:  "sacked_out",
	FieldLostOut:    "lost_out",
	FieldRetransOut: "retrans_out",
	FieldSrtt:       "srtt_us",
	FieldRttMin:     "rtt_min",
	FieldMSS:        "mss_cache",
	FieldCAState:    "icsk_ca_state",
	FieldCANameLo:   "ca_name_lo",
	FieldCANameHi:   "ca_name_hi",
	FieldEventArg:   "event_arg",
	FieldTCPCwnd:    "tcp_cwnd",
}

func (f Field) String() string {
	if f < numFields {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// NumSlots is the number of argument slots in a raw observation.
const NumSlots = 8

// Raw is the enrichment payload of one observation: up to eight 64-bit
// argument slots and a bitmask of the slots the kernel program read
// successfully.
type Raw struct {
	Args  [NumSlots]uint64
	Valid uint8
}

// slotSpec locates a field inside the argument slots. Several small fields
// may share a slot.
type slotSpec struct {
	slot  uint8
	shift uint8
	bits  uint8
	set   bool
}

// Layout maps fields to slots for one operation.
type Layout struct {
	name  string
	specs [numFields]slotSpec
}

// Slot is one field placement in NewLayout.
type Slot struct {
	Field Field
	Slot  int
	Shift int
	// Bits is the field width; 0 means the whole slot.
	Bits int
}

// NewLayout validates and builds a layout.
func NewLayout(name string, slots ...Slot) (*Layout, error) {
	l := &Layout{name: name}
	for _, s := range slots {
		if s.Field >= numFields {
			return nil, fmt.Errorf("layout %s: unknown field %d", name, s.Field)
		}
		if s.Slot < 0 || s.Slot >= NumSlots {
			return nil, fmt.Errorf("layout %s: %s slot %d out of range", name, s.Field, s.Slot)
		}
		bits := s.Bits
		if bits == 0 {
			bits = 64
		}
		if s.Shift < 0 || bits < 0 || s.Shift+bits > 64 {
			return nil, fmt.Errorf("layout %s: %s does not fit its slot", name, s.Field)
		}
		if l.specs[s.Field].set {
			return nil, fmt.Errorf("layout %s: %s placed twice", name, s.Field)
		}
		l.specs[s.Field] = slotSpec{slot: uint8(s.Slot), shift: uint8(s.Shift), bits: uint8(bits), set: true}
	}
	return l, nil
}

// MustLayout is NewLayout for package-level declarations.
func MustLayout(name string, slots ...Slot) *Layout {
	l, err := NewLayout(name, slots...)
	if err != nil {
		panic(err)
	}
	return l
}

// Name returns the layout name.
func (l *Layout) Name() string { return l.name }

// Has reports whether the layout carries f.
func (l *Layout) Has(f Field) bool {
	return l != nil && f < numFields && l.specs[f].set
}

// read extracts f from raw. It fails when the layout lacks the field or the
// kernel program flagged the slot as unread.
func (l *Layout) read(raw Raw, f Field) (uint64, bool) {
	if f >= numFields {
		return 0, false
	}
	s := l.specs[f]
	if !s.set || raw.Valid&(1<<s.slot) == 0 {
		return 0, false
	}
	v := raw.Args[s.slot] >> s.shift
	if s.bits < 64 {
		v &= (uint64(1) << s.bits) - 1
	}
	return v, true
}
