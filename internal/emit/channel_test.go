package emit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_DropsWhenFull(t *testing.T) {
	c, err := New[int](2)
	require.NoError(t, err)

	assert.True(t, c.Submit(1))
	assert.True(t, c.Submit(2))
	assert.False(t, c.Submit(3))

	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, uint64(2), c.Sent())
	assert.Equal(t, 1.0, c.Utilization())

	assert.Equal(t, 1, <-c.C())
	assert.Equal(t, 2, <-c.C())
	assert.Equal(t, 0, c.Len())
}

func TestChannel_InvalidCapacity(t *testing.T) {
	_, err := New[int](0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestChannel_Close(t *testing.T) {
	c, err := New[string](4)
	require.NoError(t, err)

	require.True(t, c.Submit("a"))
	c.Close()
	c.Close()

	assert.False(t, c.Submit("b"))
	assert.Equal(t, uint64(1), c.Dropped())

	var got []string
	for s := range c.C() {
		got = append(got, s)
	}
	assert.Equal(t, []string{"a"}, got)
}

func TestChannel_FIFOPerProducer(t *testing.T) {
	c, err := New[int](1000)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.True(t, c.Submit(i))
	}
	c.Close()

	want := 0
	for v := range c.C() {
		assert.Equal(t, want, v)
		want++
	}
}

func TestChannel_ConcurrentSubmitAndClose(t *testing.T) {
	c, err := New[int](16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Submit(i)
			}
		}()
	}
	go c.Close()
	wg.Wait()
	c.Close()

	received := 0
	for range c.C() {
		received++
	}
	assert.Equal(t, uint64(8000), c.Sent()+c.Dropped())
	assert.Equal(t, int(c.Sent()), received)
}
