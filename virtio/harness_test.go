package virtio_test

import (
	"io"
	"testing"

	"github.com/bobuhiro11/gokvm-rng/memory"
	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/bobuhiro11/gokvm-rng/virtio"
	"github.com/bobuhiro11/gokvm-rng/virtio/driver"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	guestMemSize = 1 << 20
	queueStride  = 0x4000
	dataBase     = 0x10000
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func newGuestMemory(t *testing.T) *memory.Memory {
	t.Helper()

	mem, err := memory.New(guestMemSize)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Close() })

	return mem
}

type harness struct {
	mem    *memory.Memory
	dev    *virtio.Entropy
	queues [virtio.RNGNumQueues]*driver.Queue
	reg    metrics.Registry
}

func newDevice(t *testing.T, rl *ratelimiter.RateLimiter, opts ...virtio.EntropyOption) (*virtio.Entropy, metrics.Registry) {
	t.Helper()

	reg := metrics.NewRegistry()
	opts = append([]virtio.EntropyOption{
		virtio.WithMetricsRegistry(reg),
		virtio.WithLogger(quietLogger()),
	}, opts...)

	dev, err := virtio.NewEntropy(rl, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = dev.Close() })

	return dev, reg
}

// setupQueues lays out every device queue in guest memory the way a driver
// would and points the device at them.
func setupQueues(t *testing.T, mem *memory.Memory, dev *virtio.Entropy) [virtio.RNGNumQueues]*driver.Queue {
	t.Helper()

	var qs [virtio.RNGNumQueues]*driver.Queue

	for i, q := range dev.Queues() {
		dq, err := driver.New(mem, uint64(i)*queueStride, virtio.QueueSize)
		require.NoError(t, err)

		q.SetAddresses(dq.Addresses())
		q.Ready = true
		qs[i] = dq
	}

	return qs
}

func newHarness(t *testing.T, rl *ratelimiter.RateLimiter, opts ...virtio.EntropyOption) *harness {
	t.Helper()

	mem := newGuestMemory(t)
	dev, reg := newDevice(t, rl, opts...)
	qs := setupQueues(t, mem, dev)

	require.NoError(t, dev.Activate(mem))

	return &harness{
		mem:    mem,
		dev:    dev,
		queues: qs,
		reg:    reg,
	}
}

func (h *harness) counter(name string) int64 {
	c, ok := h.reg.Get("entropy." + name).(metrics.Counter)
	if !ok {
		return -1
	}

	return c.Count()
}

func (h *harness) kick(t *testing.T, queue int) {
	t.Helper()

	require.NoError(t, h.dev.QueueEvents()[queue].Notify())
}

func (h *harness) used(t *testing.T, queue int) []driver.Used {
	t.Helper()

	u, err := h.queues[queue].Used()
	require.NoError(t, err)

	return u
}

func (h *harness) guestBytes(t *testing.T, addr uint64, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := h.mem.ReadAt(b, int64(addr))
	require.NoError(t, err)

	return b
}

type failingSource struct{}

func (failingSource) Fill(p []byte) error {
	return io.ErrUnexpectedEOF
}

// patternSource writes an incrementing byte pattern.
type patternSource struct {
	next byte
}

func (s *patternSource) Fill(p []byte) error {
	for i := range p {
		p[i] = s.next
		s.next++
	}

	return nil
}
