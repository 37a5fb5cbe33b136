package kcontext

import (
	"encoding/binary"
	"math/bits"
	"net/netip"
)

// Sentinels for fields that could not be read.
const (
	// CAStateUnknown stands in for the congestion avoidance state.
	CAStateUnknown uint8 = 0xff
	// StateUnknown stands in for a socket state.
	StateUnknown uint8 = 0xff
	// MemberUnknown stands in for an rss_stat member.
	MemberUnknown int32 = -1
)

// Conn identifies an IPv4 TCP connection. Zero values mean unknown.
type Conn struct {
	Saddr  [4]byte
	Daddr  [4]byte
	Sport  uint16
	Dport  uint16
	Family uint16
}

// Source returns the local endpoint.
func (c Conn) Source() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(c.Saddr), c.Sport)
}

// Destination returns the remote endpoint.
func (c Conn) Destination() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(c.Daddr), c.Dport)
}

// Mem describes the memory range or fault an mm observation is about.
type Mem struct {
	Address uint64
	Start   uint64
	End     uint64
	Length  uint64
	Advice  int32
	Member  int32
	Pages   int64
	Write   bool
	Exec    bool
}

// Cong is a congestion control snapshot of a tcp_sock.
type Cong struct {
	Cwnd        uint32
	Ssthresh    uint32
	PacketsOut  uint32
	SackedOut   uint32
	LostOut     uint32
	RetransOut  uint32
	SrttUS      uint32
	RttMinUS    uint32
	MSS         uint32
	TCPCwnd     uint32
	EventArg    uint32
	CAState     uint8
	CAName      [16]byte
	SlowStart   bool
	TCPFriendly bool
}

// Extractor reads enrichment fields defensively: a field that is missing
// from the layout, flagged unread by the kernel program, or unavailable on
// this kernel yields its sentinel and bumps the missing count.
type Extractor struct {
	profile *Profile
}

// NewExtractor creates an extractor for profile.
func NewExtractor(profile *Profile) *Extractor {
	return &Extractor{profile: profile}
}

// Profile returns the kernel profile in use.
func (e *Extractor) Profile() *Profile { return e.profile }

// Reader reads fields of one observation and counts the ones that failed.
type Reader struct {
	e       *Extractor
	layout  *Layout
	raw     Raw
	missing int
}

// Reader starts reading raw through layout.
func (e *Extractor) Reader(layout *Layout, raw Raw) Reader {
	return Reader{e: e, layout: layout, raw: raw}
}

// Missing returns how many requested fields fell back to sentinels.
func (r *Reader) Missing() int { return r.missing }

// Field returns f, or def when it cannot be read.
func (r *Reader) Field(f Field, def uint64) uint64 {
	if r.layout == nil || !r.e.profile.Available(f) {
		r.missing++
		return def
	}
	v, ok := r.layout.read(r.raw, f)
	if !ok {
		r.missing++
		return def
	}
	return v
}

// Valid reports whether f can be read from this observation. It does not
// touch the missing count.
func (r *Reader) Valid(f Field) bool {
	if r.layout == nil || !r.e.profile.Available(f) {
		return false
	}
	_, ok := r.layout.read(r.raw, f)
	return ok
}

// Optional reads f only when the layout declares it. Absent fields are not
// counted as missing.
func (r *Reader) Optional(f Field, def uint64) uint64 {
	if r.layout == nil || !r.layout.Has(f) {
		return def
	}
	return r.Field(f, def)
}

// Conn reads connection identity. Addresses and ports arrive in network
// byte order as they sit in the socket.
func (r *Reader) Conn() Conn {
	var c Conn
	binary.LittleEndian.PutUint32(c.Saddr[:], uint32(r.Field(FieldSaddr, 0)))
	binary.LittleEndian.PutUint32(c.Daddr[:], uint32(r.Field(FieldDaddr, 0)))
	c.Sport = bits.ReverseBytes16(uint16(r.Field(FieldSport, 0)))
	c.Dport = bits.ReverseBytes16(uint16(r.Field(FieldDport, 0)))
	c.Family = uint16(r.Optional(FieldFamily, 0))
	return c
}

// Fault reads a page fault's address and flag bits.
func (r *Reader) Fault() Mem {
	flags := r.Field(FieldFaultFlags, 0)
	return Mem{
		Address: r.Field(FieldAddress, 0),
		Member:  MemberUnknown,
		Write:   flags&r.e.profile.FaultFlagWrite() != 0,
		Exec:    flags&r.e.profile.FaultFlagInstruction() != 0,
	}
}

// Range reads an address range with its length and optional advice.
func (r *Reader) Range() Mem {
	m := Mem{Member: MemberUnknown}
	if r.layout.Has(FieldAddress) {
		m.Address = r.Field(FieldAddress, 0)
		m.Start = m.Address
	} else {
		m.Start = r.Field(FieldStart, 0)
	}
	if r.layout.Has(FieldLength) {
		m.Length = r.Field(FieldLength, 0)
		m.End = m.Start + m.Length
	} else {
		m.End = r.Field(FieldEnd, m.Start)
		if m.End >= m.Start {
			m.Length = m.End - m.Start
		}
	}
	m.Advice = int32(r.Optional(FieldAdvice, 0))
	return m
}

// RSS reads an rss_stat member and its counter converted to pages.
func (r *Reader) RSS(pageShift uint) Mem {
	m := Mem{Member: MemberUnknown}
	if v := r.Field(FieldMember, ^uint64(0)); v != ^uint64(0) {
		m.Member = int32(v)
	}
	m.Pages = int64(r.Field(FieldCounter, 0)) >> pageShift
	return m
}

// Cong reads a congestion control snapshot and derives the slow start and
// TCP-friendliness flags.
func (r *Reader) Cong() Cong {
	c := Cong{
		Cwnd:       uint32(r.Optional(FieldCwnd, 0)),
		Ssthresh:   uint32(r.Optional(FieldSsthresh, 0)),
		PacketsOut: uint32(r.Optional(FieldPacketsOut, 0)),
		SackedOut:  uint32(r.Optional(FieldSackedOut, 0)),
		LostOut:    uint32(r.Optional(FieldLostOut, 0)),
		RetransOut: uint32(r.Optional(FieldRetransOut, 0)),
		SrttUS:     uint32(r.Optional(FieldSrtt, 0)) >> 3,
		RttMinUS:   uint32(r.Optional(FieldRttMin, 0)),
		MSS:        uint32(r.Optional(FieldMSS, 0)),
		TCPCwnd:    uint32(r.Optional(FieldTCPCwnd, 0)),
		EventArg:   uint32(r.Optional(FieldEventArg, 0)),
		CAState:    uint8(r.Optional(FieldCAState, uint64(CAStateUnknown))),
	}
	if r.layout.Has(FieldCANameLo) {
		binary.LittleEndian.PutUint64(c.CAName[:8], r.Field(FieldCANameLo, 0))
		binary.LittleEndian.PutUint64(c.CAName[8:], r.Optional(FieldCANameHi, 0))
	}
	c.SlowStart = c.Ssthresh != 0 && c.Cwnd < c.Ssthresh
	c.TCPFriendly = c.TCPCwnd > c.Cwnd
	return c
}

// SkState reads the socket state, or StateUnknown.
func (r *Reader) SkState() uint8 {
	return uint8(r.Field(FieldSkState, uint64(StateUnknown)))
}
