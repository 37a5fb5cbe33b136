// Package eventstream pumps raw ring buffer samples into the session engine.
package eventstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mrzor/branch-tracer/internal/bpf"
)

// Reader yields raw samples. *ringbuf.Reader satisfies it.
type Reader interface {
	Read() (ringbuf.Record, error)
}

// Dispatcher consumes decoded observations.
type Dispatcher interface {
	Dispatch(obs *bpf.Observation)
}

// Stream reads observations from a ringbuffer and dispatches them.
type Stream struct {
	reader     Reader
	dispatcher Dispatcher
	logger     *zap.Logger
	warn       *rate.Limiter
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	read         atomic.Uint64
	decodeErrors atomic.Uint64
	readErrors   atomic.Uint64
}

// New creates a new Stream with the given reader and dispatcher.
func New(reader Reader, dispatcher Dispatcher, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger,
		warn:       rate.NewLimiter(rate.Every(time.Second), 5),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins reading in a goroutine. It returns immediately and
// processes observations in the background until the context is cancelled,
// Stop is called or the reader is closed. A read blocked in the kernel only
// returns once the reader is closed.
func (s *Stream) Start(ctx context.Context) error {
	go s.processEvents(ctx)
	return nil
}

// Stop signals the processing goroutine to stop.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Done is closed when the processing goroutine has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns how many samples were read and how many failed.
func (s *Stream) Stats() (read, decodeErrors, readErrors uint64) {
	return s.read.Load(), s.decodeErrors.Load(), s.readErrors.Load()
}

// processEvents is the main loop that reads and dispatches observations.
func (s *Stream) processEvents(ctx context.Context) {
	defer close(s.done)

	var obs bpf.Observation
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			record, err := s.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				s.readErrors.Add(1)
				if s.warn.Allow() {
					s.logger.Warn("reading from ring buffer", zap.Error(err))
				}
				continue
			}
			s.read.Add(1)

			if err := bpf.Decode(record.RawSample, &obs); err != nil {
				s.decodeErrors.Add(1)
				if s.warn.Allow() {
					s.logger.Warn("parsing observation", zap.Error(err))
				}
				continue
			}

			s.dispatcher.Dispatch(&obs)
		}
	}
}
