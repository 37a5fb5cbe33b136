package kcontext

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-version"
)

// ErrUnsupportedKernel is returned for releases the extractor cannot parse.
var ErrUnsupportedKernel = errors.New("unsupported kernel release")

// gate restricts a field to kernels matching constraint. A nil constraint
// means the field can never be read.
type gate struct {
	field      Field
	constraint version.Constraints
	why        string
}

var fieldGates = []gate{
	{field: FieldCAState, why: "icsk_ca_state is a bit-field; probe reads cannot address it"},
	{field: FieldRttMin, constraint: version.MustConstraints(version.NewConstraint(">= 4.10")), why: "rtt_min became a minmax filter in 4.10"},
	{field: FieldMember, constraint: version.MustConstraints(version.NewConstraint(">= 5.5")), why: "rss_stat carries member only since 5.5"},
}

// Fault flag values differ between kernel generations.
var faultInstructionGates = []struct {
	constraint version.Constraints
	value      uint64
}{
	{version.MustConstraints(version.NewConstraint(">= 5.0")), 0x100},
	{version.MustConstraints(version.NewConstraint("< 5.0")), 0x20},
}

const faultFlagWrite = 0x01

// Profile is what the extractor can read on one kernel release.
type Profile struct {
	release          *version.Version
	unavailable      [numFields]bool
	why              [numFields]string
	faultInstruction uint64
}

// NewProfile builds the profile for a uname release string such as
// "6.5.0-9-generic". Only major and minor are significant.
func NewProfile(release string) (*Profile, error) {
	v, err := parseRelease(release)
	if err != nil {
		return nil, err
	}

	p := &Profile{release: v}
	for _, g := range fieldGates {
		if g.constraint == nil || !g.constraint.Check(v) {
			p.unavailable[g.field] = true
			p.why[g.field] = g.why
		}
	}
	for _, g := range faultInstructionGates {
		if g.constraint.Check(v) {
			p.faultInstruction = g.value
			break
		}
	}
	return p, nil
}

// parseRelease keeps the leading "N.N" of a kernel release.
func parseRelease(release string) (*version.Version, error) {
	var (
		values [2]uint64
		value  uint64
		vi     int
		digits int
	)
	for _, c := range release {
		if '0' <= c && c <= '9' {
			value = value*10 + uint64(c-'0')
			digits++
			continue
		}
		if digits == 0 {
			break
		}
		values[vi] = value
		vi++
		value, digits = 0, 0
		if vi >= len(values) || c != '.' {
			break
		}
	}
	if vi < len(values) && digits > 0 {
		values[vi] = value
		vi++
	}
	if vi < len(values) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKernel, release)
	}
	v, err := version.NewVersion(fmt.Sprintf("%d.%d", values[0], values[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedKernel, release, err)
	}
	return v, nil
}

// Release returns the parsed major.minor release.
func (p *Profile) Release() *version.Version { return p.release }

// Available reports whether f can be read on this kernel.
func (p *Profile) Available(f Field) bool {
	return f < numFields && !p.unavailable[f]
}

// Gap describes a field that is unavailable and why.
type Gap struct {
	Field Field
	Why   string
}

// Gaps lists the unavailable fields.
func (p *Profile) Gaps() []Gap {
	var out []Gap
	for f := Field(0); f < numFields; f++ {
		if p.unavailable[f] {
			out = append(out, Gap{Field: f, Why: p.why[f]})
		}
	}
	return out
}

// FaultFlagWrite is the FAULT_FLAG_WRITE bit.
func (p *Profile) FaultFlagWrite() uint64 { return faultFlagWrite }

// FaultFlagInstruction is the FAULT_FLAG_INSTRUCTION bit for this kernel.
func (p *Profile) FaultFlagInstruction() uint64 { return p.faultInstruction }
