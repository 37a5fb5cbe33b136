package kcontext

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProfile(t *testing.T, release string) *Profile {
	t.Helper()
	p, err := NewProfile(release)
	require.NoError(t, err)
	return p
}

var connLayout = MustLayout("conn",
	Slot{Field: FieldSaddr, Slot: 0, Bits: 32},
	Slot{Field: FieldDaddr, Slot: 0, Shift: 32, Bits: 32},
	Slot{Field: FieldSport, Slot: 1, Bits: 16},
	Slot{Field: FieldDport, Slot: 1, Shift: 16, Bits: 16},
)

// wireAddr packs a dotted quad the way it sits in a socket, read as a
// little endian u32.
func wireAddr(a, b, c, d byte) uint64 {
	return uint64(binary.LittleEndian.Uint32([]byte{a, b, c, d}))
}

// wirePort packs a port in network byte order read as a little endian u16.
func wirePort(p uint16) uint64 {
	return uint64(p>>8 | p<<8)
}

func TestReader_Conn(t *testing.T) {
	e := NewExtractor(mustProfile(t, "6.5.0-9-generic"))
	raw := Raw{Valid: 0b11}
	raw.Args[0] = wireAddr(10, 0, 0, 1) | wireAddr(93, 184, 216, 34)<<32
	raw.Args[1] = wirePort(54321) | wirePort(443)<<16

	r := e.Reader(connLayout, raw)
	c := r.Conn()

	assert.Equal(t, "10.0.0.1:54321", c.Source().String())
	assert.Equal(t, "93.184.216.34:443", c.Destination().String())
	assert.Zero(t, r.Missing())
}

func TestReader_ConnPartial(t *testing.T) {
	e := NewExtractor(mustProfile(t, "6.5"))
	raw := Raw{Valid: 0b10} // address slot unread
	raw.Args[0] = wireAddr(10, 0, 0, 1)
	raw.Args[1] = wirePort(80) << 16

	r := e.Reader(connLayout, raw)
	c := r.Conn()

	assert.Equal(t, [4]byte{}, c.Saddr, "unread slot falls back to the sentinel")
	assert.Equal(t, uint16(80), c.Dport, "the rest of the record survives")
	assert.Equal(t, 2, r.Missing())

	assert.False(t, r.Valid(FieldSaddr))
	assert.True(t, r.Valid(FieldDport))
	assert.False(t, r.Valid(FieldMember), "not in layout")
	assert.Equal(t, 2, r.Missing(), "Valid does not count")
}

func TestReader_CAStateIsAGap(t *testing.T) {
	layout := MustLayout("cubic",
		Slot{Field: FieldCwnd, Slot: 0, Bits: 32},
		Slot{Field: FieldSsthresh, Slot: 0, Shift: 32, Bits: 32},
		Slot{Field: FieldCAState, Slot: 1, Bits: 8},
		Slot{Field: FieldTCPCwnd, Slot: 2, Bits: 32},
	)
	e := NewExtractor(mustProfile(t, "6.8"))
	raw := Raw{Valid: 0xff}
	raw.Args[0] = 10 | 20<<32
	raw.Args[1] = 3
	raw.Args[2] = 12

	r := e.Reader(layout, raw)
	c := r.Cong()

	assert.Equal(t, CAStateUnknown, c.CAState)
	assert.True(t, c.SlowStart)
	assert.True(t, c.TCPFriendly)
	assert.Equal(t, 1, r.Missing())
}

func TestReader_FaultFlagsByKernel(t *testing.T) {
	layout := MustLayout("fault",
		Slot{Field: FieldAddress, Slot: 0},
		Slot{Field: FieldFaultFlags, Slot: 1},
	)
	raw := Raw{Valid: 0b11}
	raw.Args[0] = 0x7f0000001000
	raw.Args[1] = 0x100 | 0x01

	newer := NewExtractor(mustProfile(t, "6.1.0-12-cloud-amd64"))
	r := newer.Reader(layout, raw)
	m := r.Fault()
	assert.True(t, m.Write)
	assert.True(t, m.Exec)
	assert.Equal(t, uint64(0x7f0000001000), m.Address)

	older := NewExtractor(mustProfile(t, "4.19.0"))
	r = older.Reader(layout, raw)
	m = r.Fault()
	assert.True(t, m.Write)
	assert.False(t, m.Exec, "0x100 is not the instruction flag before 5.0")
}

func TestReader_Range(t *testing.T) {
	e := NewExtractor(mustProfile(t, "6.5"))

	madvise := MustLayout("madvise",
		Slot{Field: FieldAddress, Slot: 0},
		Slot{Field: FieldLength, Slot: 1},
		Slot{Field: FieldAdvice, Slot: 2, Bits: 32},
	)
	raw := Raw{Valid: 0b111, Args: [NumSlots]uint64{0x1000, 0x2000, 4}}
	r := e.Reader(madvise, raw)
	m := r.Range()
	assert.Equal(t, uint64(0x3000), m.End)
	assert.Equal(t, int32(4), m.Advice)

	unmap := MustLayout("unmap",
		Slot{Field: FieldStart, Slot: 0},
		Slot{Field: FieldEnd, Slot: 1},
	)
	raw = Raw{Valid: 0b11, Args: [NumSlots]uint64{0x1000, 0x5000}}
	r = e.Reader(unmap, raw)
	m = r.Range()
	assert.Equal(t, uint64(0x4000), m.Length)
}

func TestReader_RSS(t *testing.T) {
	layout := MustLayout("rss",
		Slot{Field: FieldMember, Slot: 0, Bits: 32},
		Slot{Field: FieldCounter, Slot: 1},
	)
	raw := Raw{Valid: 0b11, Args: [NumSlots]uint64{1, 8192}}

	r := NewExtractor(mustProfile(t, "6.5")).Reader(layout, raw)
	m := r.RSS(12)
	assert.Equal(t, int32(1), m.Member)
	assert.Equal(t, int64(2), m.Pages)

	r = NewExtractor(mustProfile(t, "5.4")).Reader(layout, raw)
	m = r.RSS(12)
	assert.Equal(t, MemberUnknown, m.Member)
}

func TestReader_NilLayout(t *testing.T) {
	r := NewExtractor(mustProfile(t, "6.5")).Reader(nil, Raw{})
	assert.Equal(t, StateUnknown, r.SkState())
	assert.Equal(t, 1, r.Missing())
}

func TestNewProfile(t *testing.T) {
	tests := []struct {
		release string
		want    []int
		wantErr bool
	}{
		{"6.5.0-9-generic", []int{6, 5}, false},
		{"6.1.0-12-cloud-amd64", []int{6, 1}, false},
		{"4.19", []int{4, 19}, false},
		{"6", nil, true},
		{"", nil, true},
		{"linux", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			p, err := NewProfile(tt.release)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedKernel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Release().Segments()[:2])
		})
	}
}

func TestProfile_Gaps(t *testing.T) {
	p := mustProfile(t, "4.9")
	var fields []Field
	for _, g := range p.Gaps() {
		fields = append(fields, g.Field)
		assert.NotEmpty(t, g.Why)
	}
	assert.ElementsMatch(t, []Field{FieldCAState, FieldRttMin, FieldMember}, fields)

	p = mustProfile(t, "6.8")
	assert.False(t, p.Available(FieldCAState))
	assert.True(t, p.Available(FieldRttMin))
}

func TestNewLayout_Errors(t *testing.T) {
	_, err := NewLayout("x", Slot{Field: FieldSaddr, Slot: NumSlots})
	assert.Error(t, err)
	_, err = NewLayout("x", Slot{Field: FieldSaddr, Shift: 40, Bits: 32})
	assert.Error(t, err)
	_, err = NewLayout("x", Slot{Field: FieldSaddr}, Slot{Field: FieldSaddr, Slot: 1})
	assert.Error(t, err)
}
