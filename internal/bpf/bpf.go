// Package bpf describes the records the kernel programs write to the ring
// buffer and how to load the compiled collection.
//
// The programs live next to this file: branch_tracer.h holds the shared
// observation layout and helpers, and tcp.bpf.h, cong.bpf.h and mm.bpf.h
// hold one program per catalog point, named <operation>_<point>. Each
// program fills the argument slots in the layout its operation declares in
// internal/catalog, sets a valid bit per slot it read, and reports its id
// from the probe_id_<program> constant stamped in by LoadCollectionSpec.
// Object-keyed programs set OBS_HAS_KEY. Branch points inside a function
// body cannot read arguments from registers; the tcp_state ones read the
// socket their entry remembered, the others carry no context.
package bpf

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/probe"
)

//go:generate sh -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > vmlinux.h"
//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -I. -c branch_tracer.bpf.c -o branch_tracer.bpf.o

// Observation flag bits.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches the C header
const (
	OBS_HAS_RESULT = 1 << 0
	OBS_HAS_KEY    = 1 << 1
)

// RingBufferMap is the name of the BPF_MAP_TYPE_RINGBUF every program
// submits to.
const RingBufferMap = "observations"

// Observation matches struct observation from branch_tracer.h. Every probe
// program, whatever operation it belongs to, emits this one layout; the
// probe id tells userspace how to read it.
type Observation struct {
	PidTgid uint64
	TsNs    uint64
	// Key is the execution context key: a thread id, or the address of the
	// kernel object the operation works on.
	Key     uint64
	Result  int64
	ProbeID uint16
	// Valid has bit i set when Args[i] was read without faulting.
	Valid uint8
	Flags uint8
	Pad   uint32 // Padding to keep Comm 8-byte aligned
	Comm  [16]byte
	Args  [kcontext.NumSlots]uint64
}

// ObservationSize is the encoded size of an Observation.
const ObservationSize = 8*4 + 2 + 1 + 1 + 4 + 16 + 8*kcontext.NumSlots

// Byte offsets of the fields in an encoded Observation.
const (
	offPidTgid = 0
	offTsNs    = 8
	offKey     = 16
	offResult  = 24
	offProbeID = 32
	offValid   = 34
	offFlags   = 35
	offPad     = 36
	offComm    = 40
	offArgs    = 56
)

// Decode parses one ring buffer sample into obs. It runs once per sample
// and does not allocate.
func Decode(sample []byte, obs *Observation) error {
	if len(sample) < ObservationSize {
		return fmt.Errorf("short observation: %d bytes, want %d", len(sample), ObservationSize)
	}
	le := binary.LittleEndian
	obs.PidTgid = le.Uint64(sample[offPidTgid:])
	obs.TsNs = le.Uint64(sample[offTsNs:])
	obs.Key = le.Uint64(sample[offKey:])
	obs.Result = int64(le.Uint64(sample[offResult:])) //nolint:gosec // two's complement on the wire
	obs.ProbeID = le.Uint16(sample[offProbeID:])
	obs.Valid = sample[offValid]
	obs.Flags = sample[offFlags]
	obs.Pad = le.Uint32(sample[offPad:])
	copy(obs.Comm[:], sample[offComm:offArgs])
	for i := range obs.Args {
		obs.Args[i] = le.Uint64(sample[offArgs+8*i:])
	}
	return nil
}

// Encode is the inverse of Decode. Tests and replay tooling use it to build
// samples.
func Encode(obs *Observation) []byte {
	b := make([]byte, ObservationSize)
	le := binary.LittleEndian
	le.PutUint64(b[offPidTgid:], obs.PidTgid)
	le.PutUint64(b[offTsNs:], obs.TsNs)
	le.PutUint64(b[offKey:], obs.Key)
	le.PutUint64(b[offResult:], uint64(obs.Result)) //nolint:gosec // two's complement on the wire
	le.PutUint16(b[offProbeID:], obs.ProbeID)
	b[offValid] = obs.Valid
	b[offFlags] = obs.Flags
	le.PutUint32(b[offPad:], obs.Pad)
	copy(b[offComm:offArgs], obs.Comm[:])
	for i, a := range obs.Args {
		le.PutUint64(b[offArgs+8*i:], a)
	}
	return b
}

// Pid is the thread id half of PidTgid.
func (o *Observation) Pid() uint32 { return uint32(o.PidTgid) }

// Tgid is the process id half of PidTgid.
func (o *Observation) Tgid() uint32 { return uint32(o.PidTgid >> 32) }

// Probe returns the probe id.
func (o *Observation) Probe() probe.ID { return probe.ID(o.ProbeID) }

// HasResult reports whether Result holds the traced function's return value.
func (o *Observation) HasResult() bool { return o.Flags&OBS_HAS_RESULT != 0 }

// ObjectKey returns the kernel object address the program reported, and
// false when it set no key.
func (o *Observation) ObjectKey() (uint64, bool) {
	if o.Flags&OBS_HAS_KEY == 0 {
		return 0, false
	}
	return o.Key, true
}

// Raw returns the enrichment payload.
func (o *Observation) Raw() kcontext.Raw {
	return kcontext.Raw{Args: o.Args, Valid: o.Valid}
}

// Label returns the task comm.
func (o *Observation) Label() event.Label {
	return event.Label(o.Comm)
}

// LoadCollectionSpec reads the compiled object and stamps the probe ids of
// registered points into the programs' constants so each program reports
// the id it was attached as.
func LoadCollectionSpec(path string, points []probe.Point) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec %s: %w", path, err)
	}
	if _, ok := spec.Maps[RingBufferMap]; !ok {
		return nil, fmt.Errorf("collection %s has no %q map", path, RingBufferMap)
	}

	consts := make(map[string]interface{})
	for _, p := range points {
		name := ProbeIDConst(p)
		if _, ok := spec.Variables[name]; ok {
			consts[name] = uint16(p.ID)
		}
	}
	for name, v := range consts {
		if err := spec.Variables[name].Set(v); err != nil {
			return nil, fmt.Errorf("setting %s: %w", name, err)
		}
	}
	return spec, nil
}

// ProbeIDConst is the name of the volatile const a program reads its probe
// id from.
func ProbeIDConst(p probe.Point) string {
	return "probe_id_" + p.Attach.Program
}
