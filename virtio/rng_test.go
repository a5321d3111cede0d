package virtio_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm-rng/event"
	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/bobuhiro11/gokvm-rng/virtio"
	"github.com/bobuhiro11/gokvm-rng/virtio/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntropyMetadata(t *testing.T) {
	t.Parallel()

	dev, _ := newDevice(t, nil)

	assert.Equal(t, "rng", dev.ID())
	assert.Equal(t, uint32(virtio.TypeRNG), dev.DeviceType())
	assert.Len(t, dev.Queues(), 3)

	for _, q := range dev.Queues() {
		assert.Equal(t, uint16(virtio.QueueSize), q.MaxSize)
	}

	assert.False(t, dev.IsActivated())
	assert.Equal(t, virtio.LeakQueue1, dev.ActiveLeakQueue())

	_, ok := dev.SignaledLeakQueue()
	assert.False(t, ok)

	data := []byte{1, 2, 3}
	dev.ReadConfig(0, data)
	assert.Equal(t, []byte{1, 2, 3}, data)
	dev.WriteConfig(0, data)
}

func TestEntropyFeatures(t *testing.T) {
	t.Parallel()

	dev, _ := newDevice(t, nil)
	f := dev.Features()

	assert.Equal(t, uint64(1<<32|1), dev.AvailFeatures())
	assert.Equal(t, uint32(1), f.AvailFeaturesByPage(0))
	assert.Equal(t, uint32(1), f.AvailFeaturesByPage(1))
	assert.Zero(t, f.AvailFeaturesByPage(2))

	// bit 5 was never offered.
	f.AckFeaturesByPage(0, 1|1<<5)
	f.AckFeaturesByPage(1, 1)
	f.AckFeaturesByPage(2, 0xffffffff)

	assert.Equal(t, uint64(1<<32|1), dev.AckedFeatures())
	assert.True(t, f.HasFeature(virtio.FeatureRNGLeak))
	assert.True(t, f.HasFeature(virtio.FeatureVersion1))
}

func TestEntropyActivate(t *testing.T) {
	t.Parallel()

	mem := newGuestMemory(t)
	dev, reg := newDevice(t, nil)

	// queues are not configured yet.
	require.Error(t, dev.Activate(mem))
	assert.Equal(t, int64(1), reg.Get("entropy.activate_fails").(interface{ Count() int64 }).Count())

	setupQueues(t, mem, dev)
	require.NoError(t, dev.Activate(mem))
	assert.True(t, dev.IsActivated())

	require.ErrorIs(t, dev.Activate(mem), virtio.ErrAlreadyActivated)
	require.Error(t, dev.Reset())
}

func TestEntropyNotActivated(t *testing.T) {
	t.Parallel()

	dev, _ := newDevice(t, nil)

	require.ErrorIs(t, dev.SignalEntropyLeak(), virtio.ErrNotActivated)
	require.NoError(t, dev.Reset())
}

func TestMainQueueFill(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, virtio.WithEntropySource(&patternSource{}))

	head, err := h.queues[0].AddChain(
		driver.Buffer{Addr: dataBase, Len: 3, Write: true},
		driver.Buffer{Addr: dataBase + 0x100, Len: 5, Write: true},
	)
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 8}, used[0])

	assert.Equal(t, []byte{0, 1, 2}, h.guestBytes(t, dataBase, 3))
	assert.Equal(t, []byte{3, 4, 5, 6, 7}, h.guestBytes(t, dataBase+0x100, 5))

	assert.Equal(t, virtio.ISRUsedBuffer, h.dev.IRQ().Status())
	assert.Equal(t, int64(8), h.counter("entropy_bytes"))
	assert.Equal(t, int64(1), h.counter("entropy_event_count"))
}

func TestMainQueueOneInterruptPerPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		_, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase + uint64(i)*64, Len: 64, Write: true})
		require.NoError(t, err)
	}

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	assert.Len(t, h.used(t, 0), 5)

	n, err := h.dev.IRQ().Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestMainQueueRejectsReadableDescriptor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	bad, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase, Len: 16})
	require.NoError(t, err)

	good, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase + 0x100, Len: 16, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 2)
	assert.Equal(t, driver.Used{ID: bad, Len: 0}, used[0])
	assert.Equal(t, driver.Used{ID: good, Len: 16}, used[1])
	assert.Equal(t, int64(1), h.counter("errors.chain_shape"))
}

func TestMainQueueInvalidMemory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	head, err := h.queues[0].AddChain(driver.Buffer{Addr: guestMemSize, Len: 16, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 0}, used[0])
	assert.Equal(t, int64(1), h.counter("errors.memory_access"))
}

func TestMainQueueHostEntropyFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, virtio.WithEntropySource(failingSource{}))

	head, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase, Len: 16, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 0}, used[0])
	assert.Equal(t, int64(1), h.counter("errors.device_io"))
	assert.Equal(t, int64(1), h.counter("host_rng_fails"))
}

func TestMainQueueZeroLengthBypassesLimiter(t *testing.T) {
	t.Parallel()

	rl, err := ratelimiter.New(ratelimiter.Config{
		Ops: ratelimiter.BucketConfig{Size: 1, RefillTime: time.Hour},
	})
	require.NoError(t, err)

	h := newHarness(t, rl)

	_, err = h.queues[0].AddChain(driver.Buffer{Addr: dataBase, Len: 16, Write: true})
	require.NoError(t, err)

	empty, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase + 0x100, Len: 0, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 2)
	assert.Equal(t, driver.Used{ID: empty, Len: 0}, used[1])
	assert.False(t, rl.IsBlocked())
	assert.Zero(t, h.counter("entropy_rate_limiter_throttled"))
}

func TestMainQueueThrottled(t *testing.T) {
	t.Parallel()

	rl, err := ratelimiter.New(ratelimiter.Config{
		Bandwidth: ratelimiter.BucketConfig{Size: 4000, RefillTime: time.Second},
	})
	require.NoError(t, err)

	h := newHarness(t, rl)

	first, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase, Len: 4000, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	used := h.used(t, 0)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: first, Len: 4000}, used[0])
	assert.False(t, rl.IsBlocked())

	second, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase + 0x1000, Len: 4000, Write: true})
	require.NoError(t, err)

	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()

	assert.Empty(t, h.used(t, 0))
	assert.True(t, rl.IsBlocked())
	assert.Equal(t, int64(1), h.counter("entropy_rate_limiter_throttled"))
	assert.Equal(t, uint16(1), h.dev.Queues()[0].Len(h.mem))

	// kicks while blocked leave the request queued.
	h.kick(t, 0)
	h.dev.ProcessMainQueueEvent()
	assert.Empty(t, h.used(t, 0))

	var done []driver.Used

	require.Eventually(t, func() bool {
		h.dev.ProcessRateLimiterEvent()
		done = append(done, h.used(t, 0)...)

		return len(done) > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.Len(t, done, 1)
	assert.Equal(t, driver.Used{ID: second, Len: 4000}, done[0])
	assert.Equal(t, uint16(0), h.dev.Queues()[0].Len(h.mem))
}

func TestLeakQueueDeferredUntilSignaled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	assert.Equal(t, virtio.LeakQueue1, h.dev.ActiveLeakQueue())

	pending, err := h.queues[1].AddChain(driver.Buffer{Addr: dataBase, Len: 64, Write: true})
	require.NoError(t, err)

	h.kick(t, 1)
	h.dev.ProcessLeakQueueEvent(virtio.LeakQueue1)

	assert.Empty(t, h.used(t, 1))
	assert.Equal(t, int64(1), h.counter("leak_deferred_count"))

	require.NoError(t, h.dev.SignalEntropyLeak())

	used := h.used(t, 1)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: pending, Len: 64}, used[0])

	assert.Equal(t, virtio.LeakQueue2, h.dev.ActiveLeakQueue())
	signaled, ok := h.dev.SignaledLeakQueue()
	require.True(t, ok)
	assert.Equal(t, virtio.LeakQueue1, signaled)

	// queue 1 is open now.
	next, err := h.queues[1].AddChain(driver.Buffer{Addr: dataBase + 0x100, Len: 32, Write: true})
	require.NoError(t, err)

	h.kick(t, 1)
	h.dev.ProcessLeakQueueEvent(virtio.LeakQueue1)

	used = h.used(t, 1)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: next, Len: 32}, used[0])

	// queue 2 is active but not signaled.
	_, err = h.queues[2].AddChain(driver.Buffer{Addr: dataBase + 0x200, Len: 32, Write: true})
	require.NoError(t, err)

	h.kick(t, 2)
	h.dev.ProcessLeakQueueEvent(virtio.LeakQueue2)
	assert.Empty(t, h.used(t, 2))

	require.NoError(t, h.dev.SignalEntropyLeak())
	assert.Len(t, h.used(t, 2), 1)
	assert.Equal(t, virtio.LeakQueue1, h.dev.ActiveLeakQueue())

	signaled, _ = h.dev.SignaledLeakQueue()
	assert.Equal(t, virtio.LeakQueue2, signaled)
}

func TestCopyOnLeak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	src := bytes.Repeat([]byte{0xab, 0xcd}, 24)
	_, err := h.mem.WriteAt(src, dataBase)
	require.NoError(t, err)

	// 48 readable bytes in two pieces, 48 writable bytes in three.
	head, err := h.queues[1].AddChain(
		driver.Buffer{Addr: dataBase, Len: 40},
		driver.Buffer{Addr: dataBase + 40, Len: 8},
		driver.Buffer{Addr: dataBase + 0x1000, Len: 16, Write: true},
		driver.Buffer{Addr: dataBase + 0x2000, Len: 16, Write: true},
		driver.Buffer{Addr: dataBase + 0x3000, Len: 16, Write: true},
	)
	require.NoError(t, err)

	require.NoError(t, h.dev.SignalEntropyLeak())

	used := h.used(t, 1)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 48}, used[0])

	got := append(h.guestBytes(t, dataBase+0x1000, 16), h.guestBytes(t, dataBase+0x2000, 16)...)
	got = append(got, h.guestBytes(t, dataBase+0x3000, 16)...)
	assert.Equal(t, src, got)
}

func TestCopyOnLeakSizeMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	head, err := h.queues[1].AddChain(
		driver.Buffer{Addr: dataBase, Len: 32},
		driver.Buffer{Addr: dataBase + 0x1000, Len: 16, Write: true},
	)
	require.NoError(t, err)

	require.NoError(t, h.dev.SignalEntropyLeak())

	used := h.used(t, 1)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 0}, used[0])
	assert.Equal(t, int64(1), h.counter("errors.chain_shape"))
	assert.Equal(t, make([]byte, 16), h.guestBytes(t, dataBase+0x1000, 16))
}

func TestFillOnLeak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, virtio.WithEntropySource(&patternSource{next: 7}))

	head, err := h.queues[1].AddChain(driver.Buffer{Addr: dataBase, Len: 4, Write: true})
	require.NoError(t, err)

	require.NoError(t, h.dev.SignalEntropyLeak())

	used := h.used(t, 1)
	require.Len(t, used, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 4}, used[0])
	assert.Equal(t, []byte{7, 8, 9, 10}, h.guestBytes(t, dataBase, 4))
}

func TestProcessVirtioQueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.queues[0].AddChain(driver.Buffer{Addr: dataBase, Len: 8, Write: true})
	require.NoError(t, err)

	_, err = h.queues[2].AddChain(driver.Buffer{Addr: dataBase + 0x100, Len: 8, Write: true})
	require.NoError(t, err)

	h.dev.ProcessVirtioQueues()
	assert.Len(t, h.used(t, 0), 1)
	assert.Empty(t, h.used(t, 2))

	require.NoError(t, h.dev.SetSignaledLeakQueue(virtio.LeakQueue2))
	h.dev.ProcessVirtioQueues()
	assert.Len(t, h.used(t, 2), 1)
}

func TestEntropyEventLoop(t *testing.T) {
	t.Parallel()

	m, err := event.NewManager(quietLogger())
	require.NoError(t, err)

	defer m.Close()

	mem := newGuestMemory(t)
	dev, _ := newDevice(t, nil)

	require.NoError(t, dev.Subscribe(m))

	qs := setupQueues(t, mem, dev)

	// queued before activation, served once the activate event is handled.
	early, err := qs[0].AddChain(driver.Buffer{Addr: dataBase, Len: 8, Write: true})
	require.NoError(t, err)

	require.NoError(t, dev.Activate(mem))

	n, err := m.RunWithTimeout(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	used, err := qs[0].Used()
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, early, used[0].ID)

	_, err = qs[0].AddChain(driver.Buffer{Addr: dataBase + 0x100, Len: 8, Write: true})
	require.NoError(t, err)
	require.NoError(t, dev.QueueEvents()[0].Notify())

	n, err = m.RunWithTimeout(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	used, err = qs[0].Used()
	require.NoError(t, err)
	assert.Len(t, used, 1)
}
