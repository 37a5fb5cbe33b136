package bpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/branch-tracer/internal/probe"
)

func TestDecode_RoundTrip(t *testing.T) {
	in := Observation{
		PidTgid: 7<<32 | 9,
		TsNs:    123456789,
		Key:     0xffff888000001000,
		Result:  -111,
		ProbeID: 4,
		Valid:   0b101,
		Flags:   OBS_HAS_RESULT | OBS_HAS_KEY,
		Args:    [8]uint64{1, 2, 3},
	}
	copy(in.Comm[:], "curl")

	sample := Encode(&in)
	require.Len(t, sample, ObservationSize)

	var out Observation
	require.NoError(t, Decode(sample, &out))
	assert.Equal(t, in, out)

	assert.Equal(t, uint32(9), out.Pid())
	assert.Equal(t, uint32(7), out.Tgid())
	assert.Equal(t, probe.ID(4), out.Probe())
	assert.True(t, out.HasResult())
	key, ok := out.ObjectKey()
	assert.True(t, ok)
	assert.Equal(t, in.Key, key)
	assert.Equal(t, "curl", out.Label().String())
	assert.Equal(t, uint8(0b101), out.Raw().Valid)
}

func TestDecode_TrailingBytesIgnored(t *testing.T) {
	sample := append(Encode(&Observation{ProbeID: 2}), 0xde, 0xad)
	var out Observation
	require.NoError(t, Decode(sample, &out))
	assert.Equal(t, uint16(2), out.ProbeID)
}

func TestDecode_DoesNotAllocate(t *testing.T) {
	sample := Encode(&Observation{ProbeID: 7, TsNs: 42, Args: [8]uint64{5}})
	var out Observation
	allocs := testing.AllocsPerRun(100, func() {
		_ = Decode(sample, &out)
	})
	assert.Zero(t, allocs)
	assert.Equal(t, uint64(5), out.Args[0])
}

func TestDecode_Short(t *testing.T) {
	var out Observation
	err := Decode(make([]byte, ObservationSize-1), &out)
	assert.ErrorContains(t, err, "short observation")
}

func TestObjectKey_Unset(t *testing.T) {
	obs := Observation{PidTgid: 3<<32 | 42, Key: 99}
	_, ok := obs.ObjectKey()
	assert.False(t, ok)
	assert.False(t, obs.HasResult())
}

func TestProbeIDConst(t *testing.T) {
	p := probe.Point{Attach: probe.Attach{Program: "kprobe_tcp_v4_connect"}}
	assert.Equal(t, "probe_id_kprobe_tcp_v4_connect", ProbeIDConst(p))
}
