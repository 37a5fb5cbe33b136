package eventstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/branch-tracer/internal/bpf"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chanReader serves samples from a channel and reports ErrClosed once it is
// closed.
type chanReader struct {
	samples chan []byte
	errs    chan error
}

func newChanReader() *chanReader {
	return &chanReader{samples: make(chan []byte, 16), errs: make(chan error, 4)}
}

func (r *chanReader) Read() (ringbuf.Record, error) {
	select {
	case err := <-r.errs:
		return ringbuf.Record{}, err
	default:
	}
	s, ok := <-r.samples
	if !ok {
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
	return ringbuf.Record{RawSample: s}, nil
}

type recorder struct {
	mu  sync.Mutex
	got []bpf.Observation
}

func (r *recorder) Dispatch(obs *bpf.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, *obs)
}

func (r *recorder) observations() []bpf.Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bpf.Observation(nil), r.got...)
}

func TestStream_DispatchesUntilClosed(t *testing.T) {
	rd := newChanReader()
	rec := &recorder{}
	s := New(rd, rec, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	rd.samples <- bpf.Encode(&bpf.Observation{ProbeID: 3, TsNs: 10, PidTgid: 1<<32 | 2})
	rd.samples <- []byte{1, 2, 3}
	rd.errs <- errors.New("transient")
	rd.samples <- bpf.Encode(&bpf.Observation{ProbeID: 4, TsNs: 20})
	close(rd.samples)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on ErrClosed")
	}

	got := rec.observations()
	require.Len(t, got, 2)
	assert.Equal(t, uint16(3), got[0].ProbeID)
	assert.Equal(t, uint32(2), got[0].Pid())
	assert.Equal(t, uint32(1), got[0].Tgid())
	assert.Equal(t, uint16(4), got[1].ProbeID)

	read, decodeErrs, readErrs := s.Stats()
	assert.Equal(t, uint64(3), read)
	assert.Equal(t, uint64(1), decodeErrs)
	assert.Equal(t, uint64(1), readErrs)
}

func TestStream_StopsOnContext(t *testing.T) {
	rd := newChanReader()
	s := New(rd, &recorder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	// Unblock the pending read, as closing the ring buffer does.
	rd.samples <- bpf.Encode(&bpf.Observation{})
	close(rd.samples)
	<-s.Done()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "Stop is idempotent")
}
