package catalog

import (
	"math/bits"
	"os"

	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Operation names.
const (
	OpPageFault       probe.Operation = "page_fault"
	OpMadvise         probe.Operation = "madvise"
	OpUnmap           probe.Operation = "unmap"
	OpRSSStat         probe.Operation = "rss_stat"
	OpZswapStore      probe.Operation = "zswap_store"
	OpZswapLoad       probe.Operation = "zswap_load"
	OpZswapInvalidate probe.Operation = "zswap_invalidate"
)

// vm_fault_t bits returned by handle_mm_fault.
const (
	VMFaultMajor = 0x0004
	// VMFaultError is VM_FAULT_OOM|SIGBUS|SIGSEGV|HWPOISON|HWPOISON_LARGE|FALLBACK.
	VMFaultError = 0x0873
)

// Branches of page_fault.
const (
	FaultEntry outcome.Branch = iota
	FaultMinor
	FaultMajor
	FaultError
)

// FaultSet is the page_fault branch set.
var FaultSet = outcome.MustSet(
	outcome.BranchDef{Code: FaultEntry, Name: "entry"},
	outcome.BranchDef{Code: FaultMinor, Name: "minor"},
	outcome.BranchDef{Code: FaultMajor, Name: "major"},
	outcome.BranchDef{Code: FaultError, Name: "error", Failing: true},
)

var faultLayout = kcontext.MustLayout("page_fault",
	kcontext.Slot{Field: kcontext.FieldAddress, Slot: 0},
	kcontext.Slot{Field: kcontext.FieldFaultFlags, Slot: 1, Bits: 32},
)

func enrichFault(r *kcontext.Reader, role probe.Role) handler.Enrichment {
	var e handler.Enrichment
	if role == probe.RoleEntry && r.Valid(kcontext.FieldAddress) {
		e.Mem = r.Fault()
		e.HasMem = true
	}
	e.Missing = r.Missing()
	return e
}

// PageFault times handle_mm_fault and splits the result into minor, major
// and failed faults.
func PageFault() *Operation {
	const fn = "handle_mm_fault"
	return &Operation{
		Name:   OpPageFault,
		Set:    FaultSet,
		Layout: faultLayout,
		Key:    KeyThread,
		Tables: handler.Tables(handler.TableReason),
		Enrich: enrichFault,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry, Attach: kprobe(fn), Branch: FaultEntry,
				Rule: classify.Fixed(FaultEntry, outcome.ReasonNone)},
			{Name: "exit", Role: probe.RoleExit, Attach: kretprobe(fn), Branch: FaultMinor,
				Rule: classify.Bits(FaultMinor,
					classify.BitCase{Mask: VMFaultError, Branch: FaultError, Reason: outcome.ReasonFaultError},
					classify.BitCase{Mask: VMFaultMajor, Branch: FaultMajor},
				)},
		},
	}
}

// Branches shared by the entry/exit operations that succeed or fail by
// return value.
const (
	CallEntry outcome.Branch = iota
	CallSuccess
	CallError
)

// CallSet is the branch set of madvise and the zswap operations.
var CallSet = outcome.MustSet(
	outcome.BranchDef{Code: CallEntry, Name: "entry"},
	outcome.BranchDef{Code: CallSuccess, Name: "success"},
	outcome.BranchDef{Code: CallError, Name: "error", Failing: true},
)

var madviseLayout = kcontext.MustLayout("madvise",
	kcontext.Slot{Field: kcontext.FieldStart, Slot: 0},
	kcontext.Slot{Field: kcontext.FieldLength, Slot: 1},
	kcontext.Slot{Field: kcontext.FieldAdvice, Slot: 2, Bits: 32},
)

func enrichRange(r *kcontext.Reader, _ probe.Role) handler.Enrichment {
	var e handler.Enrichment
	if r.Valid(kcontext.FieldStart) || r.Valid(kcontext.FieldAddress) {
		e.Mem = r.Range()
		e.HasMem = true
	}
	e.Missing = r.Missing()
	return e
}

// Madvise times do_madvise and reports the advice and range.
func Madvise() *Operation {
	const fn = "do_madvise"
	return &Operation{
		Name:   OpMadvise,
		Set:    CallSet,
		Layout: madviseLayout,
		Key:    KeyThread,
		Tables: handler.Tables(handler.TableReason),
		Enrich: enrichRange,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry, Attach: kprobe(fn), Branch: CallEntry,
				Rule: classify.Fixed(CallEntry, outcome.ReasonNone)},
			{Name: "exit", Role: probe.RoleExit, Attach: kretprobe(fn), Branch: CallSuccess,
				Rule: classify.Exit(CallSuccess, CallError)},
		},
	}
}

// Branches of unmap.
const (
	UnmapPageRange outcome.Branch = iota
	UnmapHugepageRange
)

// UnmapSet is the unmap branch set.
var UnmapSet = outcome.MustSet(
	outcome.BranchDef{Code: UnmapPageRange, Name: "page_range"},
	outcome.BranchDef{Code: UnmapHugepageRange, Name: "hugepage_range"},
)

var unmapLayout = kcontext.MustLayout("unmap",
	kcontext.Slot{Field: kcontext.FieldStart, Slot: 0},
	kcontext.Slot{Field: kcontext.FieldEnd, Slot: 1},
)

// Unmap reports ranges torn down by unmap_page_range and its hugetlb
// counterpart.
func Unmap() *Operation {
	return &Operation{
		Name:      OpUnmap,
		Set:       UnmapSet,
		Layout:    unmapLayout,
		Key:       KeyNone,
		EmitEntry: true,
		Enrich:    enrichRange,
		Points: []PointDef{
			{Name: "page_range", Role: probe.RoleObservation, Attach: kprobe("unmap_page_range"),
				Branch: UnmapPageRange, Rule: classify.Fixed(UnmapPageRange, outcome.ReasonNone)},
			{Name: "hugepage_range", Role: probe.RoleObservation,
				Attach: probe.Attach{Kind: probe.Kprobe, Symbol: "__unmap_hugepage_range", Optional: true},
				Branch: UnmapHugepageRange, Rule: classify.Fixed(UnmapHugepageRange, outcome.ReasonNone)},
		},
	}
}

// Branches of rss_stat. The exit is classified by the mm counter member.
const (
	RSSEntry outcome.Branch = iota
	RSSFile
	RSSAnon
	RSSSwap
	RSSShmem
	RSSUnknownMember
)

// RSSSet is the rss_stat branch set.
var RSSSet = outcome.MustSet(
	outcome.BranchDef{Code: RSSEntry, Name: "entry"},
	outcome.BranchDef{Code: RSSFile, Name: "file"},
	outcome.BranchDef{Code: RSSAnon, Name: "anon"},
	outcome.BranchDef{Code: RSSSwap, Name: "swap"},
	outcome.BranchDef{Code: RSSShmem, Name: "shmem"},
	outcome.BranchDef{Code: RSSUnknownMember, Name: "unknown_member"},
)

var rssLayout = kcontext.MustLayout("rss_stat",
	kcontext.Slot{Field: kcontext.FieldMember, Slot: 0, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldCounter, Slot: 1},
)

// pageShift converts the byte sizes kmem:rss_stat reports to pages.
var pageShift = uint(bits.TrailingZeros(uint(os.Getpagesize())))

func enrichRSS(r *kcontext.Reader, _ probe.Role) handler.Enrichment {
	var e handler.Enrichment
	if r.Valid(kcontext.FieldCounter) || r.Valid(kcontext.FieldMember) {
		e.Mem = r.RSS(pageShift)
		e.HasMem = true
	} else {
		e.Mem.Member = kcontext.MemberUnknown
	}
	e.Missing = r.Missing()
	return e
}

func rssSelector(e handler.Enrichment) uint64 {
	if e.Mem.Member < 0 {
		return ^uint64(0)
	}
	return uint64(e.Mem.Member)
}

// RSSStat pairs the rss_stat raw tracepoint with the kmem:rss_stat
// tracepoint of the same thread.
func RSSStat() *Operation {
	return &Operation{
		Name:     OpRSSStat,
		Set:      RSSSet,
		Layout:   rssLayout,
		Key:      KeyThread,
		Enrich:   enrichRSS,
		Selector: rssSelector,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry,
				Attach: probe.Attach{Kind: probe.RawTracepoint, Symbol: "rss_stat"},
				Branch: RSSEntry, Rule: classify.Fixed(RSSEntry, outcome.ReasonNone)},
			{Name: "exit", Role: probe.RoleExit,
				Attach: probe.Attach{Kind: probe.Tracepoint, Group: "kmem", Symbol: "rss_stat"},
				Branch: RSSUnknownMember,
				Rule: classify.Select(RSSUnknownMember, map[uint64]outcome.Branch{
					0: RSSFile,
					1: RSSAnon,
					2: RSSSwap,
					3: RSSShmem,
				})},
		},
	}
}

// Zswap returns the three zswap operations. zswap_store and zswap_load
// return a bool on current kernels, so only IS_ERR values count as failures.
func Zswap() []*Operation {
	mk := func(name probe.Operation, fn string) *Operation {
		return &Operation{
			Name:   name,
			Set:    CallSet,
			Key:    KeyThread,
			Tables: handler.Tables(handler.TableReason),
			Points: []PointDef{
				{Name: "entry", Role: probe.RoleEntry,
					Attach: probe.Attach{Kind: probe.Kprobe, Symbol: fn, Optional: true},
					Branch: CallEntry, Rule: classify.Fixed(CallEntry, outcome.ReasonNone)},
				{Name: "exit", Role: probe.RoleExit,
					Attach: probe.Attach{Kind: probe.Kretprobe, Symbol: fn, Optional: true},
					Branch: CallSuccess, Rule: classify.Exit(CallSuccess, CallError).FailWhen(outcome.IsErrorValue)},
			},
		}
	}
	return []*Operation{
		mk(OpZswapStore, "zswap_store"),
		mk(OpZswapLoad, "zswap_load"),
		mk(OpZswapInvalidate, "zswap_invalidate"),
	}
}
