package virtio

import (
	"io"
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm-rng/memory"
	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/bobuhiro11/gokvm-rng/virtio/driver"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullUsedRing accepts pops but can never post a completion.
type fullUsedRing struct {
	DescriptorQueue
}

func (fullUsedRing) AddUsed(GuestMemory, uint16, uint32) error {
	return ErrUsedRingFull
}

// newActiveEntropy returns an activated device whose queues are laid out by
// guest drivers at (i+1)*0x4000.
func newActiveEntropy(t *testing.T, rl *ratelimiter.RateLimiter) (*Entropy, *memory.Memory, [RNGNumQueues]*driver.Queue) {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	t.Cleanup(func() { mem.Close() })

	l := logrus.New()
	l.SetOutput(io.Discard)

	e, err := NewEntropy(rl, WithLogger(l), WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)

	t.Cleanup(func() { e.Close() })

	var dqs [RNGNumQueues]*driver.Queue

	for i, q := range e.queues {
		d, err := driver.New(mem, uint64(i+1)*0x4000, QueueSize)
		require.NoError(t, err)

		q.SetAddresses(d.Addresses())
		q.Ready = true

		dqs[i] = d
	}

	require.NoError(t, e.Activate(mem))

	return e, mem, dqs
}

func TestUsedRingFailureRefundsAndStops(t *testing.T) {
	t.Parallel()

	rl, err := ratelimiter.New(ratelimiter.Config{
		Bandwidth: ratelimiter.BucketConfig{Size: 4000, RefillTime: time.Hour},
		Ops:       ratelimiter.BucketConfig{Size: 10, RefillTime: time.Hour},
	})
	require.NoError(t, err)

	e, mem, dqs := newActiveEntropy(t, rl)

	e.rings[rngQueue] = fullUsedRing{e.queues[rngQueue]}

	for i := 0; i < 2; i++ {
		_, err := dqs[rngQueue].AddChain(driver.Buffer{Addr: 0x10000 + uint64(i)*0x1000, Len: 1000, Write: true})
		require.NoError(t, err)
	}

	e.processEntropyQueue()

	// the first request was popped and charged, then refunded.
	assert.Equal(t, uint64(4000), rl.Bucket(ratelimiter.Bytes).Budget())
	assert.Equal(t, uint64(10), rl.Bucket(ratelimiter.Ops).Budget())

	// the second one was never looked at.
	assert.Equal(t, uint16(1), e.queues[rngQueue].Len(mem))

	assert.Equal(t, int64(1), e.metrics.ResourceExhaustionErrors.Count())
	assert.Zero(t, e.metrics.EntropyBytes.Count())
	assert.Zero(t, e.irq.Status())
}

func TestLeakUsedRingFailureStops(t *testing.T) {
	t.Parallel()

	e, mem, dqs := newActiveEntropy(t, nil)

	leak := LeakQueue1.Index()
	e.rings[leak] = fullUsedRing{e.queues[leak]}

	for i := 0; i < 2; i++ {
		_, err := dqs[leak].AddChain(driver.Buffer{Addr: 0x10000 + uint64(i)*0x1000, Len: 64, Write: true})
		require.NoError(t, err)
	}

	require.NoError(t, e.SignalEntropyLeak())

	assert.Equal(t, uint16(1), e.queues[leak].Len(mem))
	assert.Equal(t, int64(1), e.metrics.ResourceExhaustionErrors.Count())
	assert.Zero(t, e.metrics.EntropyBytes.Count())
	assert.Zero(t, e.irq.Status())
}

func TestLeakQueueSettersRejectOtherQueues(t *testing.T) {
	t.Parallel()

	e, _, _ := newActiveEntropy(t, nil)

	for _, q := range []LeakQueue{0, 3, -1} {
		require.ErrorIs(t, e.SetActiveLeakQueue(q), ErrInvalidLeakQueue, q)
	}

	assert.Equal(t, LeakQueue1, e.ActiveLeakQueue())

	for _, q := range []LeakQueue{3, -1} {
		require.ErrorIs(t, e.SetSignaledLeakQueue(q), ErrInvalidLeakQueue, q)
	}

	require.NoError(t, e.SetActiveLeakQueue(LeakQueue2))
	require.NoError(t, e.SetSignaledLeakQueue(LeakQueue1))
	require.NoError(t, e.SetSignaledLeakQueue(0))

	_, ok := e.SignaledLeakQueue()
	assert.False(t, ok)
}

func TestLeakDrainSkipsMainQueue(t *testing.T) {
	t.Parallel()

	rl, err := ratelimiter.New(ratelimiter.Config{
		Bandwidth: ratelimiter.BucketConfig{Size: 1, RefillTime: time.Hour},
	})
	require.NoError(t, err)

	e, mem, dqs := newActiveEntropy(t, rl)

	_, err = dqs[rngQueue].AddChain(driver.Buffer{Addr: 0x10000, Len: 4000, Write: true})
	require.NoError(t, err)

	// a corrupt tag can only come from bypassing the setters.
	e.activeLeakQueue = 0
	require.ErrorIs(t, e.SignalEntropyLeak(), ErrInvalidLeakQueue)

	e.processLeakQueue(0)
	e.processLeakQueue(3)

	assert.Equal(t, uint16(1), e.queues[rngQueue].Len(mem))
	assert.Equal(t, uint64(1), rl.Bucket(ratelimiter.Bytes).Budget())

	used, err := dqs[rngQueue].Used()
	require.NoError(t, err)
	assert.Empty(t, used)
}

func TestSubregion(t *testing.T) {
	t.Parallel()

	regions := [][]byte{make([]byte, 4), make([]byte, 0), make([]byte, 6), make([]byte, 2)}

	_, ok := subregion(regions, 12, 12, 1)
	assert.False(t, ok)

	_, ok = subregion(regions, 12, 0, 0)
	assert.False(t, ok)

	frags, ok := subregion(regions, 12, 3, 5)
	require.True(t, ok)
	require.Len(t, frags, 2)
	assert.Len(t, frags[0], 1)
	assert.Len(t, frags[1], 4)

	// shorter than asked when the regions run out.
	frags, ok = subregion(regions, 12, 9, 100)
	require.True(t, ok)

	n := 0
	for _, f := range frags {
		n += len(f)
	}

	assert.Equal(t, 3, n)
}

func TestLeakQueueOther(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LeakQueue2, LeakQueue1.Other())
	assert.Equal(t, LeakQueue1, LeakQueue2.Other())
	assert.Equal(t, 1, LeakQueue1.Index())
	assert.Equal(t, "leakq2", LeakQueue2.String())

	q, ok := LeakQueueFromIndex(2)
	assert.True(t, ok)
	assert.Equal(t, LeakQueue2, q)

	_, ok = LeakQueueFromIndex(0)
	assert.False(t, ok)
}
