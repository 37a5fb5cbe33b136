package procmeta

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu    sync.Mutex
	loads map[uint32]int
	fail  map[uint32]bool
}

func newCountingSource() *countingSource {
	return &countingSource{loads: map[uint32]int{}, fail: map[uint32]bool{}}
}

func (s *countingSource) Load(tgid uint32) (*ProcessMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[tgid]++
	if s.fail[tgid] {
		return nil, errors.New("no such process")
	}
	return &ProcessMetadata{Tgid: tgid, Args: []string{"curl"}, CmdlineFull: "curl"}, nil
}

func (s *countingSource) count(tgid uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[tgid]
}

func TestManager_LoadsOnce(t *testing.T) {
	src := newCountingSource()
	m := NewManager(src, 16, time.Minute)

	for i := 0; i < 3; i++ {
		md, err := m.Get(100)
		require.NoError(t, err)
		assert.Equal(t, "curl", md.CmdlineFull)
	}
	assert.Equal(t, 1, src.count(100))
	assert.Equal(t, 1, m.Len())
}

func TestManager_CachesErrors(t *testing.T) {
	src := newCountingSource()
	src.fail[5] = true
	m := NewManager(src, 16, time.Minute)

	_, err := m.Get(5)
	require.Error(t, err)
	_, err = m.Get(5)
	require.Error(t, err)
	assert.Equal(t, 1, src.count(5))
}

func TestManager_KernelTgid(t *testing.T) {
	src := newCountingSource()
	m := NewManager(src, 16, time.Minute)

	md, err := m.Get(0)
	assert.NoError(t, err)
	assert.Nil(t, md)
	assert.Zero(t, src.count(0))
}

func TestManager_SetAndDelete(t *testing.T) {
	src := newCountingSource()
	m := NewManager(src, 16, time.Minute)

	m.Set(1234, &ProcessMetadata{Environ: map[string]string{"FOO": "bar"}})
	md, err := m.Get(1234)
	require.NoError(t, err)
	assert.Equal(t, "bar", md.Environ["FOO"])
	assert.Zero(t, src.count(1234))

	m.Delete(1234)
	md, err = m.Get(1234)
	require.NoError(t, err)
	assert.Equal(t, "curl", md.CmdlineFull)
	assert.Equal(t, 1, src.count(1234))
}

func TestManager_Bounded(t *testing.T) {
	m := NewManager(newCountingSource(), 4, time.Minute)
	for tgid := uint32(1); tgid <= 10; tgid++ {
		_, err := m.Get(tgid)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, m.Len())
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(newCountingSource(), 64, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint32(1); i <= 100; i++ {
				_, _ = m.Get(i % 32) //nolint:errcheck // exercising concurrent access
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 32)
}
