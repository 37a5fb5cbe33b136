package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

func install(t *testing.T) (*probe.Registry, *classify.Classifier) {
	t.Helper()
	reg := probe.NewRegistry()
	c, err := Install(reg, All())
	require.NoError(t, err)
	return reg, c
}

// Every registered point must classify, and only into its own operation's
// set.
func TestInstall_EveryPointMapped(t *testing.T) {
	reg, c := install(t)
	assert.Equal(t, reg.Len(), c.Len())

	sets := map[probe.Operation]*outcome.Set{}
	for _, op := range All() {
		sets[op.Name] = op.Set
	}

	ambients := []classify.Ambient{
		{},
		{Result: 0, HasResult: true},
		{Result: outcome.EINVAL, HasResult: true},
		{Result: VMFaultMajor, HasResult: true},
		{Selector: 1},
	}
	for _, p := range reg.Points() {
		for _, a := range ambients {
			r, ok := c.Classify(p.ID, a)
			require.True(t, ok, p.Name)
			set := sets[p.Operation]
			assert.True(t, set.Contains(r.Branch), "%s yielded %d", p.Name, r.Branch)
			assert.Equal(t, r.Failing, r.Reason != outcome.ReasonNone, "%s reason/failing mismatch", p.Name)
		}
	}
}

func TestInstall_PointCounts(t *testing.T) {
	reg, _ := install(t)

	want := map[probe.Operation]int{
		OpTCPConnect:      18,
		OpTCPReceive:      10,
		OpTCPState:        14,
		OpTCPCongestion:   5,
		OpTCPCubic:        7,
		OpPageFault:       2,
		OpMadvise:         2,
		OpUnmap:           2,
		OpRSSStat:         2,
		OpZswapStore:      2,
		OpZswapLoad:       2,
		OpZswapInvalidate: 2,
	}
	for op, n := range want {
		assert.Len(t, reg.ForOperation(op), n, string(op))
	}

	p, ok := reg.ByName("tcp_connect.route_error")
	require.True(t, ok)
	assert.True(t, p.IsOffset())
	assert.True(t, p.Attach.Optional)
	assert.Equal(t, "tcp_connect_route_error", p.Attach.Program)
	assert.Equal(t, ConnectRouteError, p.Branch)
}

func TestInstall_Twice(t *testing.T) {
	reg := probe.NewRegistry()
	_, err := Install(reg, []*Operation{Madvise(), Madvise()})
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	ops, err := Select(nil)
	require.NoError(t, err)
	assert.Len(t, ops, len(All()))

	ops, err = Select([]string{"tcp_connect", " madvise", "tcp_connect"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OpTCPConnect, ops[0].Name)
	assert.Equal(t, OpMadvise, ops[1].Name)

	_, err = Select([]string{"tcp_nope"})
	assert.ErrorIs(t, err, ErrUnknownOperation)

	assert.Contains(t, Names(), "zswap_load")
}

func classifyByName(t *testing.T, reg *probe.Registry, c *classify.Classifier, name string, a classify.Ambient) classify.Result {
	t.Helper()
	p, ok := reg.ByName(name)
	require.True(t, ok, name)
	r, ok := c.Classify(p.ID, a)
	require.True(t, ok)
	return r
}

func TestPageFaultClassification(t *testing.T) {
	reg, c := install(t)

	r := classifyByName(t, reg, c, "page_fault.exit", classify.Ambient{Result: 0, HasResult: true})
	assert.Equal(t, FaultMinor, r.Branch)
	r = classifyByName(t, reg, c, "page_fault.exit", classify.Ambient{Result: VMFaultMajor, HasResult: true})
	assert.Equal(t, FaultMajor, r.Branch)
	r = classifyByName(t, reg, c, "page_fault.exit", classify.Ambient{Result: 0x2 | VMFaultMajor, HasResult: true})
	assert.Equal(t, FaultError, r.Branch)
	assert.Equal(t, outcome.ReasonFaultError, r.Reason)
}

func TestZswapBoolResult(t *testing.T) {
	reg, c := install(t)
	r := classifyByName(t, reg, c, "zswap_store.exit", classify.Ambient{Result: 1, HasResult: true})
	assert.Equal(t, CallSuccess, r.Branch)
	r = classifyByName(t, reg, c, "zswap_store.exit", classify.Ambient{Result: outcome.ENOMEM, HasResult: true})
	assert.Equal(t, CallError, r.Branch)
	assert.Equal(t, outcome.ReasonNoMemory, r.Reason)
}

func TestReceiveDropSticksThroughExit(t *testing.T) {
	reg, c := install(t)
	r := classifyByName(t, reg, c, "tcp_rcv.exit", classify.Ambient{
		Result: 0, HasResult: true,
		Prior: ReceiveNoSocket, PriorReason: outcome.ReasonNoSocket, PriorFailing: true,
	})
	assert.Equal(t, ReceiveNoSocket, r.Branch)
	assert.Equal(t, outcome.ReasonNoSocket, r.Reason)
	assert.Equal(t, uint32(3), r.Reason.SKBDropCode())
}

func TestRSSSelector(t *testing.T) {
	reg, c := install(t)
	op := RSSStat()

	e := handler.Enrichment{Mem: kcontext.Mem{Member: 1}}
	r := classifyByName(t, reg, c, "rss_stat.exit", classify.Ambient{Selector: op.Selector(e)})
	assert.Equal(t, RSSAnon, r.Branch)

	e.Mem.Member = kcontext.MemberUnknown
	r = classifyByName(t, reg, c, "rss_stat.exit", classify.Ambient{Selector: op.Selector(e)})
	assert.Equal(t, RSSUnknownMember, r.Branch)
}

func TestEnrichConnState(t *testing.T) {
	p, err := kcontext.NewProfile("6.8.0")
	require.NoError(t, err)
	x := kcontext.NewExtractor(p)

	raw := kcontext.Raw{Valid: 0b110}
	raw.Args[1] = uint64(0x5000) << 16 // dport 80 in network order
	raw.Args[2] = 10                   // TCP_LISTEN

	r := x.Reader(connLayout, raw)
	e := enrichConnState(&r, probe.RoleEntry)
	assert.True(t, e.HasConn)
	assert.Equal(t, uint16(80), e.Conn.Dport)
	assert.True(t, e.HasState)
	assert.Equal(t, uint8(10), e.State)
	assert.Equal(t, 2, e.Missing, "saddr and daddr were not read")
}

func TestParamsAlwaysCountBranches(t *testing.T) {
	for _, op := range All() {
		assert.True(t, op.Params().Tables.Has(handler.TableBranch), string(op.Name))
	}
	assert.True(t, TCPState().Params().Tables.Has(handler.TableState))
	assert.False(t, TCPCubic().Params().Correlated)
}
