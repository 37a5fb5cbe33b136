// Package bpfloader manages the lifecycle of eBPF programs and their kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/mrzor/branch-tracer/internal/bpf"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// attachFunc hooks prog at p's location.
type attachFunc func(p probe.Point, prog *ebpf.Program) (io.Closer, error)

// Skipped is an optional point that could not be attached.
type Skipped struct {
	Point probe.Point
	Err   error
}

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	logger   *zap.Logger
	coll     *ebpf.Collection
	programs map[string]*ebpf.Program
	ringbuf  *ebpf.Map
	attach   attachFunc
	links    []io.Closer
	attached []probe.ID
	skipped  []Skipped
}

// New loads the compiled collection at objectPath into the kernel. The
// probe ids of points are stamped into the programs before loading.
func New(logger *zap.Logger, objectPath string, points []probe.Point) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := bpf.LoadCollectionSpec(objectPath, points)
	if err != nil {
		return nil, err
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	return &Loader{
		logger:   logger,
		coll:     coll,
		programs: coll.Programs,
		ringbuf:  coll.Maps[bpf.RingBufferMap],
		attach:   attachPoint,
	}, nil
}

// attachPoint is the kernel implementation of attachFunc.
func attachPoint(p probe.Point, prog *ebpf.Program) (io.Closer, error) {
	a := p.Attach
	switch a.Kind {
	case probe.Kprobe:
		var opts *link.KprobeOptions
		if a.Offset != 0 {
			opts = &link.KprobeOptions{Offset: a.Offset}
		}
		return link.Kprobe(a.Symbol, prog, opts)
	case probe.Kretprobe:
		return link.Kretprobe(a.Symbol, prog, nil)
	case probe.Tracepoint:
		return link.Tracepoint(a.Group, a.Symbol, prog, nil)
	case probe.RawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{Name: a.Symbol, Program: prog})
	default:
		return nil, fmt.Errorf("unsupported attach kind %s", a.Kind)
	}
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(format string, args ...any) error {
	// Best-effort cleanup; we are already returning an error.
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	l.attached = nil
	return fmt.Errorf(format, args...)
}

// Attach hooks every point into the kernel. Optional points that fail are
// logged and skipped; any other failure detaches everything attached so far.
func (l *Loader) Attach(points []probe.Point) error {
	for _, p := range points {
		prog, ok := l.programs[p.Attach.Program]
		if !ok {
			err := fmt.Errorf("program %q not in collection", p.Attach.Program)
			if p.Attach.Optional {
				l.skip(p, err)
				continue
			}
			return l.closeErrorf("attaching %s: %w", p.Name, err)
		}

		lk, err := l.attach(p, prog)
		if err != nil {
			if p.Attach.Optional {
				l.skip(p, err)
				continue
			}
			return l.closeErrorf("attaching %s %s to %s: %w", p.Name, p.Attach.Kind, p.Attach.Symbol, err)
		}
		l.links = append(l.links, lk)
		l.attached = append(l.attached, p.ID)
	}

	l.logger.Info("probe points attached",
		zap.Int("attached", len(l.attached)),
		zap.Int("skipped", len(l.skipped)))
	return nil
}

func (l *Loader) skip(p probe.Point, err error) {
	l.skipped = append(l.skipped, Skipped{Point: p, Err: err})
	l.logger.Warn("skipping optional probe point",
		zap.String("point", p.Name),
		zap.Stringer("kind", p.Attach.Kind),
		zap.String("symbol", p.Attach.Symbol),
		zap.Uint64("offset", p.Attach.Offset),
		zap.Error(err))
}

// Attached returns the ids of the attached points.
func (l *Loader) Attached() []probe.ID {
	return append([]probe.ID(nil), l.attached...)
}

// Skipped returns the optional points that were not attached.
func (l *Loader) Skipped() []Skipped {
	return append([]Skipped(nil), l.skipped...)
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving observations.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	if l.ringbuf == nil {
		return nil, fmt.Errorf("collection has no %q map", bpf.RingBufferMap)
	}
	rd, err := ringbuf.NewReader(l.ringbuf)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link: %w", err))
		}
	}
	l.links = nil

	if l.coll != nil {
		l.coll.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
