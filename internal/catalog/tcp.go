package catalog

import (
	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Operation names.
const (
	OpTCPConnect probe.Operation = "tcp_connect"
	OpTCPReceive probe.Operation = "tcp_rcv"
	OpTCPState   probe.Operation = "tcp_state"
)

// Branches of tcp_connect.
const (
	ConnectEntry outcome.Branch = iota
	ConnectInvalidAddrLen
	ConnectWrongFamily
	ConnectRouteError
	ConnectMulticast
	ConnectNoSrcAddr
	ConnectTSReset
	ConnectRepairMode
	ConnectHashError
	ConnectFastOpenDefer
	ConnectTCPConnectErr
	ConnectNetUnreachable
	ConnectNewSport
	ConnectWriteSeqInit
	ConnectSuccess
	ConnectSrcBindFail
	ConnectPortExhausted
	ConnectRouteLookup
	ConnectPortAlloc
	ConnectRegularSYN
	ConnectError
)

// ConnectSet is the tcp_connect branch set.
var ConnectSet = outcome.MustSet(
	outcome.BranchDef{Code: ConnectEntry, Name: "entry"},
	outcome.BranchDef{Code: ConnectInvalidAddrLen, Name: "invalid_addrlen", Failing: true},
	outcome.BranchDef{Code: ConnectWrongFamily, Name: "wrong_family", Failing: true},
	outcome.BranchDef{Code: ConnectRouteError, Name: "route_error", Failing: true},
	outcome.BranchDef{Code: ConnectMulticast, Name: "multicast_bcast", Failing: true},
	outcome.BranchDef{Code: ConnectNoSrcAddr, Name: "no_src_addr"},
	outcome.BranchDef{Code: ConnectTSReset, Name: "ts_reset"},
	outcome.BranchDef{Code: ConnectRepairMode, Name: "repair_mode"},
	outcome.BranchDef{Code: ConnectHashError, Name: "hash_error", Failing: true},
	outcome.BranchDef{Code: ConnectFastOpenDefer, Name: "fastopen_defer"},
	outcome.BranchDef{Code: ConnectTCPConnectErr, Name: "tcp_connect_err", Failing: true},
	outcome.BranchDef{Code: ConnectNetUnreachable, Name: "enetunreach", Failing: true},
	outcome.BranchDef{Code: ConnectNewSport, Name: "new_sport"},
	outcome.BranchDef{Code: ConnectWriteSeqInit, Name: "write_seq_init"},
	outcome.BranchDef{Code: ConnectSuccess, Name: "success"},
	outcome.BranchDef{Code: ConnectSrcBindFail, Name: "src_bind_fail", Failing: true},
	outcome.BranchDef{Code: ConnectPortExhausted, Name: "port_exhausted", Failing: true},
	outcome.BranchDef{Code: ConnectRouteLookup, Name: "route_lookup"},
	outcome.BranchDef{Code: ConnectPortAlloc, Name: "port_alloc"},
	outcome.BranchDef{Code: ConnectRegularSYN, Name: "regular_syn"},
	outcome.BranchDef{Code: ConnectError, Name: "error_path", Failing: true},
)

// connLayout is shared by the socket-level TCP programs: slot 0 holds
// saddr|daddr<<32, slot 1 sport|dport<<16|family<<32 and slot 2 sk_state.
var connLayout = kcontext.MustLayout("tcp_conn",
	kcontext.Slot{Field: kcontext.FieldSaddr, Slot: 0, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldDaddr, Slot: 0, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSport, Slot: 1, Bits: 16},
	kcontext.Slot{Field: kcontext.FieldDport, Slot: 1, Shift: 16, Bits: 16},
	kcontext.Slot{Field: kcontext.FieldFamily, Slot: 1, Shift: 32, Bits: 16},
	kcontext.Slot{Field: kcontext.FieldSkState, Slot: 2, Bits: 8},
)

func enrichConn(r *kcontext.Reader, _ probe.Role) handler.Enrichment {
	var e handler.Enrichment
	if r.Valid(kcontext.FieldDaddr) || r.Valid(kcontext.FieldDport) {
		e.Conn = r.Conn()
		e.HasConn = true
	}
	e.Missing = r.Missing()
	return e
}

func enrichConnState(r *kcontext.Reader, role probe.Role) handler.Enrichment {
	e := enrichConn(r, role)
	if r.Valid(kcontext.FieldSkState) {
		e.State = r.SkState()
		e.HasState = true
	}
	e.Missing = r.Missing()
	return e
}

func connectFailure(b outcome.Branch, reason outcome.Reason, class outcome.ErrorClass) classify.FixedRule {
	return classify.Fixed(b, reason).WithPath(outcome.PathError).WithErrorClass(class)
}

// TCPConnect traces tcp_v4_connect. Intermediate points sit on the branch
// instructions of the function body; their offsets are for the reference
// kernel build and can be replaced with an offsets file.
func TCPConnect() *Operation {
	const fn = "tcp_v4_connect"
	return &Operation{
		Name:      OpTCPConnect,
		Set:       ConnectSet,
		Layout:    connLayout,
		Key:       KeyThread,
		EmitEntry: true,
		Tables: handler.Tables(handler.TableReason, handler.TablePath,
			handler.TableErrorClass),
		Enrich: enrichConn,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry, Attach: kprobe(fn), Branch: ConnectEntry,
				Rule: classify.Fixed(ConnectEntry, outcome.ReasonNone)},
			fixed("invalid_addrlen", fn, 0x4f0,
				connectFailure(ConnectInvalidAddrLen, outcome.ReasonInvalidArgument, outcome.ErrorClassAddrLen)),
			fixed("wrong_family", fn, 0x4e6,
				connectFailure(ConnectWrongFamily, outcome.ReasonAddrFamily, outcome.ErrorClassFamily)),
			fixed("route_error", fn, 0x46c,
				connectFailure(ConnectRouteError, outcome.ReasonNotSpecified, outcome.ErrorClassRoute).WithResultReason()),
			fixed("multicast_bcast", fn, 0x4fa,
				connectFailure(ConnectMulticast, outcome.ReasonNetUnreachable, outcome.ErrorClassMulticast)),
			fixed("no_src_addr", fn, 0x3fe, classify.Fixed(ConnectNoSrcAddr, outcome.ReasonNone)),
			fixed("hash_error", fn, 0x283,
				connectFailure(ConnectHashError, outcome.ReasonNotSpecified, outcome.ErrorClassOther)),
			fixed("fastopen_defer", fn, 0x3b1,
				classify.Fixed(ConnectFastOpenDefer, outcome.ReasonNone).WithPath(outcome.PathFastOpen)),
			fixed("tcp_connect_err", fn, 0x43a,
				connectFailure(ConnectTCPConnectErr, outcome.ReasonNotSpecified, outcome.ErrorClassConnect).WithResultReason()),
			fixed("enetunreach", fn, 0x48d,
				connectFailure(ConnectNetUnreachable, outcome.ReasonNetUnreachable, outcome.ErrorClassRoute)),
			fixed("new_sport", fn, 0x337, classify.Fixed(ConnectNewSport, outcome.ReasonNone)),
			fixed("write_seq_init", fn, 0x372, classify.Fixed(ConnectWriteSeqInit, outcome.ReasonNone)),
			fixed("src_bind_fail", fn, 0x417,
				connectFailure(ConnectSrcBindFail, outcome.ReasonNotSpecified, outcome.ErrorClassSourceBind).WithResultReason()),
			fixed("route_lookup", fn, 0x17c, classify.Fixed(ConnectRouteLookup, outcome.ReasonNone)),
			fixed("port_alloc", fn, 0x27e, classify.Fixed(ConnectPortAlloc, outcome.ReasonNone)),
			fixed("regular_syn", fn, 0x42d,
				classify.Fixed(ConnectRegularSYN, outcome.ReasonNone).WithPath(outcome.PathSlow)),
			fixed("error_path", fn, 0x289,
				connectFailure(ConnectError, outcome.ReasonNotSpecified, outcome.ErrorClassOther).WithResultReason()),
			{Name: "exit", Role: probe.RoleExit, Attach: kretprobe(fn), Branch: ConnectSuccess,
				Rule: classify.Exit(ConnectSuccess, ConnectError).
					WithSuccessPath(outcome.PathFast).
					WithFailurePath(outcome.PathError, outcome.ErrorClassOther)},
		},
	}
}

// Branches of tcp_rcv.
const (
	ReceiveEntry outcome.Branch = iota
	ReceiveNotForHost
	ReceiveNoSocket
	ReceiveTimeWait
	ReceiveChecksumError
	ReceiveListenState
	ReceiveSocketBusy
	ReceiveXFRMPolicyDrop
	ReceiveNewSynRecv
	ReceiveSuccess
	ReceiveError
)

// ReceiveSet is the tcp_rcv branch set.
var ReceiveSet = outcome.MustSet(
	outcome.BranchDef{Code: ReceiveEntry, Name: "entry"},
	outcome.BranchDef{Code: ReceiveNotForHost, Name: "not_for_host", Failing: true},
	outcome.BranchDef{Code: ReceiveNoSocket, Name: "no_socket", Failing: true},
	outcome.BranchDef{Code: ReceiveTimeWait, Name: "time_wait"},
	outcome.BranchDef{Code: ReceiveChecksumError, Name: "checksum_error", Failing: true},
	outcome.BranchDef{Code: ReceiveListenState, Name: "listen_state"},
	outcome.BranchDef{Code: ReceiveSocketBusy, Name: "socket_busy"},
	outcome.BranchDef{Code: ReceiveXFRMPolicyDrop, Name: "xfrm_policy_drop", Failing: true},
	outcome.BranchDef{Code: ReceiveNewSynRecv, Name: "new_syn_recv"},
	outcome.BranchDef{Code: ReceiveSuccess, Name: "success"},
	outcome.BranchDef{Code: ReceiveError, Name: "error", Failing: true},
)

// TCPReceive traces tcp_v4_rcv. The function returns 0 after most drops,
// so a drop seen on the way out stays the outcome.
func TCPReceive() *Operation {
	const fn = "tcp_v4_rcv"
	return &Operation{
		Name:      OpTCPReceive,
		Set:       ReceiveSet,
		Layout:    connLayout,
		Key:       KeyThread,
		EmitEntry: true,
		Tables:    handler.Tables(handler.TableReason),
		Enrich:    enrichConn,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry, Attach: kprobe(fn), Branch: ReceiveEntry,
				Rule: classify.Fixed(ReceiveEntry, outcome.ReasonNone)},
			fixed("not_for_host", fn, 0x73, classify.Fixed(ReceiveNotForHost, outcome.ReasonNotSpecified)),
			fixed("no_socket", fn, 0x722, classify.Fixed(ReceiveNoSocket, outcome.ReasonNoSocket)),
			fixed("time_wait", fn, 0x279, classify.Fixed(ReceiveTimeWait, outcome.ReasonNone)),
			fixed("checksum_error", fn, 0x2e8, classify.Fixed(ReceiveChecksumError, outcome.ReasonTCPChecksum)),
			fixed("listen_state", fn, 0xedf, classify.Fixed(ReceiveListenState, outcome.ReasonNone)),
			fixed("socket_busy", fn, 0xec2, classify.Fixed(ReceiveSocketBusy, outcome.ReasonNone)),
			fixed("xfrm_policy_drop", fn, 0x8e5, classify.Fixed(ReceiveXFRMPolicyDrop, outcome.ReasonXFRMPolicy)),
			fixed("new_syn_recv", fn, 0x5db, classify.Fixed(ReceiveNewSynRecv, outcome.ReasonNone)),
			{Name: "exit", Role: probe.RoleExit, Attach: kretprobe(fn), Branch: ReceiveSuccess,
				Rule: classify.Exit(ReceiveSuccess, ReceiveError).WithSticky()},
		},
	}
}

// Branches of tcp_state.
const (
	StateEntry outcome.Branch = iota
	StateListen
	StateSynSent
	StateSynRecvToEstablished
	StateFinWait1ToFinWait2
	StateToTimeWait
	StateLastAck
	StateChallengeAck
	StateReset
	StateFastOpen
	StateAckProcessing
	StateDataQueue
	StateAbortOnData
	StateSuccess
	StateError
)

// StateSet is the tcp_state branch set.
var StateSet = outcome.MustSet(
	outcome.BranchDef{Code: StateEntry, Name: "entry"},
	outcome.BranchDef{Code: StateListen, Name: "listen"},
	outcome.BranchDef{Code: StateSynSent, Name: "syn_sent"},
	outcome.BranchDef{Code: StateSynRecvToEstablished, Name: "syn_recv_to_established"},
	outcome.BranchDef{Code: StateFinWait1ToFinWait2, Name: "fin_wait1_to_fin_wait2"},
	outcome.BranchDef{Code: StateToTimeWait, Name: "to_time_wait"},
	outcome.BranchDef{Code: StateLastAck, Name: "last_ack"},
	outcome.BranchDef{Code: StateChallengeAck, Name: "challenge_ack", Failing: true},
	outcome.BranchDef{Code: StateReset, Name: "reset", Failing: true},
	outcome.BranchDef{Code: StateFastOpen, Name: "fast_open"},
	outcome.BranchDef{Code: StateAckProcessing, Name: "ack_processing"},
	outcome.BranchDef{Code: StateDataQueue, Name: "data_queue"},
	outcome.BranchDef{Code: StateAbortOnData, Name: "abort_on_data", Failing: true},
	outcome.BranchDef{Code: StateSuccess, Name: "success"},
	outcome.BranchDef{Code: StateError, Name: "error", Failing: true},
)

// NumTCPStates covers TCP_ESTABLISHED (1) through TCP_NEW_SYN_RECV (12).
const NumTCPStates = 13

// TCPState traces tcp_rcv_state_process. The entry records the socket state
// into the raw state distribution table.
func TCPState() *Operation {
	const fn = "tcp_rcv_state_process"
	return &Operation{
		Name:      OpTCPState,
		Set:       StateSet,
		Layout:    connLayout,
		Key:       KeyThread,
		EmitEntry: true,
		Tables:    handler.Tables(handler.TableReason, handler.TableState),
		StateKeys: NumTCPStates,
		Enrich:    enrichConnState,
		Points: []PointDef{
			{Name: "entry", Role: probe.RoleEntry, Attach: kprobe(fn), Branch: StateEntry,
				Rule: classify.Fixed(StateEntry, outcome.ReasonNone)},
			fixed("listen", fn, 0x12d, classify.Fixed(StateListen, outcome.ReasonNone)),
			fixed("syn_sent", fn, 0x52, classify.Fixed(StateSynSent, outcome.ReasonNone)),
			fixed("syn_recv_to_established", fn, 0x301, classify.Fixed(StateSynRecvToEstablished, outcome.ReasonNone)),
			fixed("fin_wait1_to_fin_wait2", fn, 0xe7d, classify.Fixed(StateFinWait1ToFinWait2, outcome.ReasonNone)),
			fixed("to_time_wait", fn, 0x769, classify.Fixed(StateToTimeWait, outcome.ReasonNone)),
			fixed("last_ack", fn, 0xb3d, classify.Fixed(StateLastAck, outcome.ReasonNone)),
			fixed("challenge_ack", fn, 0x714, classify.Fixed(StateChallengeAck, outcome.ReasonNotSpecified)),
			fixed("reset", fn, 0x8fc, classify.Fixed(StateReset, outcome.ReasonNotSpecified)),
			fixed("fast_open", fn, 0x67f, classify.Fixed(StateFastOpen, outcome.ReasonNone)),
			fixed("ack_processing", fn, 0x4f3, classify.Fixed(StateAckProcessing, outcome.ReasonNone)),
			fixed("data_queue", fn, 0x5be, classify.Fixed(StateDataQueue, outcome.ReasonNone)),
			fixed("abort_on_data", fn, 0xfd9, classify.Fixed(StateAbortOnData, outcome.ReasonNotSpecified)),
			{Name: "exit", Role: probe.RoleExit, Attach: kretprobe(fn), Branch: StateSuccess,
				Rule: classify.Exit(StateSuccess, StateError).WithSticky()},
		},
	}
}
