package virtio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/gokvm-rng/event"
	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	RNGNumQueues = 3
	rngQueue     = 0

	// RNGDeviceID is the stable identifier of the entropy device.
	RNGDeviceID = "rng"
)

var (
	ErrNotActivated     = errors.New("device is not activated")
	ErrAlreadyActivated = errors.New("device is already activated")
	errInvalidQueue     = errors.New("queue is not valid")
	ErrInvalidLeakQueue = errors.New("not a leak queue")
	errResetActive      = errors.New("reset of an activated device is not supported")
)

// EntropyOption configures an Entropy device.
type EntropyOption func(*Entropy)

// WithEntropySource replaces the host random source.
func WithEntropySource(s EntropySource) EntropyOption {
	return func(e *Entropy) {
		e.source = s
	}
}

// WithMetricsRegistry registers the device counters in r.
func WithMetricsRegistry(r metrics.Registry) EntropyOption {
	return func(e *Entropy) {
		e.registry = r
	}
}

func WithLogger(l *logrus.Logger) EntropyOption {
	return func(e *Entropy) {
		e.l = l
	}
}

// WithIRQLine sets the interrupt line reported in the PCI header.
func WithIRQLine(line uint8) EntropyOption {
	return func(e *Entropy) {
		e.irqLine = line
	}
}

// Entropy is a virtio-rng device with the leak queue extension: queue 0
// serves random bytes, queues 1 and 2 alternate as leak queues.
//
// Entropy is not safe for concurrent use. All entry points are meant to run
// on a single event loop.
type Entropy struct {
	features Features

	queues      [RNGNumQueues]*Queue
	rings       [RNGNumQueues]DescriptorQueue
	queueEvents [RNGNumQueues]*event.EventFd

	activateEvent *event.EventFd
	irq           *IRQTrigger
	irqLine       uint8

	mem GuestMemory
	// set last by Activate, which may run off the event loop.
	activated atomic.Bool

	rateLimiter *ratelimiter.RateLimiter
	source      EntropySource
	buffer      *IoVecBuffer

	activeLeakQueue   LeakQueue
	signaledLeakQueue LeakQueue

	registry metrics.Registry
	metrics  *EntropyMetrics

	l   *logrus.Logger
	log *logrus.Entry
}

// NewEntropy creates the device. rl limits the main queue and is owned by
// the device from now on; nil means unlimited.
func NewEntropy(rl *ratelimiter.RateLimiter, opts ...EntropyOption) (*Entropy, error) {
	e := &Entropy{
		features:        NewFeatures(1<<FeatureVersion1 | 1<<FeatureRNGLeak),
		rateLimiter:     rl,
		source:          HostRandom{},
		buffer:          NewIoVecBuffer(),
		activeLeakQueue: LeakQueue1,
	}

	for _, o := range opts {
		o(e)
	}

	if e.l == nil {
		e.l = logrus.StandardLogger()
	}

	e.log = e.l.WithField("device", RNGDeviceID)
	e.metrics = NewEntropyMetrics(e.registry)
	e.features.OnUnrequested = func(page, bits uint32) {
		e.log.WithField("page", page).
			WithField("bits", fmt.Sprintf("%#x", bits)).
			Warn("driver acknowledged unknown features")
	}

	if e.rateLimiter == nil {
		rl, err := ratelimiter.New(ratelimiter.Config{})
		if err != nil {
			return nil, err
		}

		e.rateLimiter = rl
	}

	var err error

	for i := range e.queues {
		e.queues[i] = NewQueue(QueueSize)
		e.rings[i] = e.queues[i]

		if e.queueEvents[i], err = event.NewEventFd(); err != nil {
			e.Close()

			return nil, err
		}
	}

	if e.activateEvent, err = event.NewEventFd(); err != nil {
		e.Close()

		return nil, err
	}

	if e.irq, err = NewIRQTrigger(e.irqLine); err != nil {
		e.Close()

		return nil, err
	}

	return e, nil
}

func (e *Entropy) ID() string {
	return RNGDeviceID
}

func (e *Entropy) DeviceType() uint32 {
	return TypeRNG
}

func (e *Entropy) Queues() []*Queue {
	return e.queues[:]
}

func (e *Entropy) QueueEvents() []*event.EventFd {
	return e.queueEvents[:]
}

func (e *Entropy) IRQ() *IRQTrigger {
	return e.irq
}

func (e *Entropy) Metrics() *EntropyMetrics {
	return e.metrics
}

func (e *Entropy) RateLimiter() *ratelimiter.RateLimiter {
	return e.rateLimiter
}

func (e *Entropy) Features() *Features {
	return &e.features
}

func (e *Entropy) AvailFeatures() uint64 {
	return e.features.Avail()
}

func (e *Entropy) AckedFeatures() uint64 {
	return e.features.Acked()
}

// ReadConfig leaves data untouched; the device has no configuration space.
func (e *Entropy) ReadConfig(offset uint64, data []byte) {}

// WriteConfig ignores data; the device has no configuration space.
func (e *Entropy) WriteConfig(offset uint64, data []byte) {}

func (e *Entropy) IsActivated() bool {
	return e.activated.Load()
}

// Activate attaches guest memory once every queue has been configured.
func (e *Entropy) Activate(mem GuestMemory) error {
	if e.activated.Load() {
		return ErrAlreadyActivated
	}

	for i, q := range e.queues {
		if !q.IsValid(mem) {
			e.metrics.ActivateFails.Inc(1)

			return fmt.Errorf("%w: queue %d", errInvalidQueue, i)
		}
	}

	e.mem = mem
	e.activated.Store(true)

	if err := e.activateEvent.Notify(); err != nil {
		e.metrics.ActivateFails.Inc(1)

		return fmt.Errorf("signal activation: %w", err)
	}

	e.log.Info("device activated")

	return nil
}

// Reset returns the queues, features and leak state of an inactive device
// to their initial values. An activated device cannot be reset.
func (e *Entropy) Reset() error {
	if e.activated.Load() {
		return errResetActive
	}

	for _, q := range e.queues {
		q.Reset()
	}

	e.features.Reset()
	e.activeLeakQueue = LeakQueue1
	e.signaledLeakQueue = 0

	return nil
}

// ActiveLeakQueue returns the leak queue the guest is expected to use.
func (e *Entropy) ActiveLeakQueue() LeakQueue {
	return e.activeLeakQueue
}

func (e *Entropy) SetActiveLeakQueue(q LeakQueue) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidLeakQueue, q)
	}

	e.activeLeakQueue = q

	return nil
}

// SignaledLeakQueue returns the leak queue the host last announced, if any.
func (e *Entropy) SignaledLeakQueue() (LeakQueue, bool) {
	return e.signaledLeakQueue, e.signaledLeakQueue.Valid()
}

// SetSignaledLeakQueue sets the announced leak queue; 0 clears it.
func (e *Entropy) SetSignaledLeakQueue(q LeakQueue) error {
	if q != 0 && !q.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidLeakQueue, q)
	}

	e.signaledLeakQueue = q

	return nil
}

func (e *Entropy) signalUsedQueue() {
	if err := e.irq.TriggerUsedBuffer(); err != nil {
		e.log.WithError(err).Error("failed to signal used queue")
		e.metrics.EntropyEventFails.Inc(1)
	}
}

// rateLimitRequest takes one operation and bytes bytes. Nothing is taken
// unless both are available.
func (e *Entropy) rateLimitRequest(bytes uint64) bool {
	if !e.rateLimiter.Consume(1, ratelimiter.Ops) {
		return false
	}

	if !e.rateLimiter.Consume(bytes, ratelimiter.Bytes) {
		e.rateLimiter.ManualReplenish(1, ratelimiter.Ops)

		return false
	}

	return true
}

func (e *Entropy) refund(bytes uint64) {
	e.rateLimiter.ManualReplenish(1, ratelimiter.Ops)
	e.rateLimiter.ManualReplenish(bytes, ratelimiter.Bytes)
}

// fill writes random bytes to every writable region of the buffer.
func (e *Entropy) fill() (uint32, error) {
	for _, r := range e.buffer.Write() {
		if err := e.source.Fill(r); err != nil {
			if !errors.Is(err, ErrHostEntropy) {
				err = fmt.Errorf("%w: %w", ErrHostEntropy, err)
			}

			return 0, err
		}
	}

	return e.buffer.WriteLen(), nil
}

func (e *Entropy) requestFailed(queue int, index uint16, err error) {
	e.metrics.countError(err)
	e.log.WithError(err).
		WithField("queue", queue).
		WithField("descriptor", index).
		Error("failed to serve request")
}

func (e *Entropy) processEntropyQueue() {
	ring := e.rings[rngQueue]
	used := false

	for {
		head := ring.Pop(e.mem)
		if head == nil {
			break
		}

		index := head.Index
		bytes := uint32(0)
		consumed := uint64(0)

		if err := e.buffer.ParseWriteOnly(e.mem, head); err != nil {
			e.requestFailed(rngQueue, index, err)
		} else if n := e.buffer.WriteLen(); n > 0 {
			if !e.rateLimitRequest(uint64(n)) {
				ring.UndoPop()
				e.metrics.EntropyRateLimiterThrottle.Inc(1)
				e.log.WithField("descriptor", index).Debug("entropy request throttled")

				break
			}

			consumed = uint64(n)

			filled, err := e.fill()
			if err != nil {
				e.requestFailed(rngQueue, index, err)
			}

			bytes = filled
		}

		if err := ring.AddUsed(e.mem, index, bytes); err != nil {
			e.requestFailed(rngQueue, index, err)

			if consumed > 0 {
				e.refund(consumed)
			}

			break
		}

		e.metrics.EntropyBytes.Inc(int64(bytes))

		used = true
	}

	if used {
		e.signalUsedQueue()
	}
}

// handleLeakRequest serves one leak queue request. A chain starting with a
// writable descriptor is filled with random bytes. A chain starting with a
// readable descriptor has its readable part copied into its writable part.
// The bool reports whether the bytes written came from the entropy source.
func (e *Entropy) handleLeakRequest(head *DescriptorChain) (uint32, bool, error) {
	if head.Err() == nil && head.IsWriteOnly() {
		if err := e.buffer.ParseWriteOnly(e.mem, head); err != nil {
			return 0, false, err
		}

		n, err := e.fill()

		return n, true, err
	}

	if err := e.buffer.Parse(e.mem, head); err != nil {
		return 0, false, err
	}

	if e.buffer.ReadLen() != e.buffer.WriteLen() {
		return 0, false, fmt.Errorf("%w: read %d, write %d",
			ErrBufferSizeMismatch, e.buffer.ReadLen(), e.buffer.WriteLen())
	}

	off := uint32(0)

	for _, r := range e.buffer.Read() {
		n, _ := e.buffer.WriteAt(r, off)
		off += uint32(n)
	}

	return off, false, nil
}

func (e *Entropy) processLeakQueue(q LeakQueue) {
	if !q.Valid() {
		e.log.WithField("queue", q).Error("refusing to drain a queue that is not a leak queue")

		return
	}

	ring := e.rings[q.Index()]
	used := false

	for {
		head := ring.Pop(e.mem)
		if head == nil {
			break
		}

		index := head.Index

		bytes, filled, err := e.handleLeakRequest(head)
		if err != nil {
			e.requestFailed(q.Index(), index, err)
		}

		if err := ring.AddUsed(e.mem, index, bytes); err != nil {
			e.requestFailed(q.Index(), index, err)

			break
		}

		if filled {
			e.metrics.EntropyBytes.Inc(int64(bytes))
		}

		used = true
	}

	if used {
		e.signalUsedQueue()
	}
}

// ProcessMainQueueEvent handles a guest notification on the main queue.
func (e *Entropy) ProcessMainQueueEvent() {
	e.metrics.EntropyEventCount.Inc(1)

	if _, err := e.queueEvents[rngQueue].Read(); err != nil {
		e.log.WithError(err).Error("failed to read entropy queue event")
		e.metrics.EntropyEventFails.Inc(1)

		return
	}

	if !e.activated.Load() {
		e.log.Warn("entropy queue event on inactive device")

		return
	}

	if e.rateLimiter.IsBlocked() {
		e.metrics.RateLimiterEventCount.Inc(1)

		return
	}

	e.processEntropyQueue()
}

// ProcessLeakQueueEvent handles a guest notification on leak queue q. The
// queue is only served if the host already signaled it; otherwise the
// requests stay pending until SignalEntropyLeak reaches them.
func (e *Entropy) ProcessLeakQueueEvent(q LeakQueue) {
	e.metrics.LeakEventCount.Inc(1)

	if !q.Valid() {
		e.log.WithField("queue", int(q)).Error("event for unknown leak queue")

		return
	}

	if _, err := e.queueEvents[q.Index()].Read(); err != nil {
		e.log.WithError(err).WithField("queue", q).Error("failed to read leak queue event")
		e.metrics.EntropyEventFails.Inc(1)

		return
	}

	if !e.activated.Load() {
		e.log.WithField("queue", q).Warn("leak queue event on inactive device")

		return
	}

	if e.signaledLeakQueue != q {
		e.metrics.LeakDeferredCount.Inc(1)
		e.log.WithField("queue", q).Debug("leak queue not signaled yet, deferring")

		return
	}

	e.processLeakQueue(q)
}

// ProcessRateLimiterEvent handles the refill timer of the rate limiter.
func (e *Entropy) ProcessRateLimiterEvent() {
	e.metrics.RateLimiterEventCount.Inc(1)

	if err := e.rateLimiter.EventHandler(); err != nil {
		e.log.WithError(err).Error("failed to handle rate limiter event")
		e.metrics.EntropyEventFails.Inc(1)

		return
	}

	if e.activated.Load() {
		e.processEntropyQueue()
	}
}

// SignalEntropyLeak drains the active leak queue, makes the other one
// active and marks the drained one as signaled.
func (e *Entropy) SignalEntropyLeak() error {
	if !e.activated.Load() {
		return ErrNotActivated
	}

	prev := e.activeLeakQueue
	if !prev.Valid() {
		return fmt.Errorf("%w: active %v", ErrInvalidLeakQueue, prev)
	}

	e.processLeakQueue(prev)

	e.activeLeakQueue = prev.Other()
	e.signaledLeakQueue = prev

	e.log.WithField("active", e.activeLeakQueue).
		WithField("signaled", prev).
		Debug("entropy leak signaled")

	return nil
}

// ProcessVirtioQueues serves every queue as if it had been notified.
func (e *Entropy) ProcessVirtioQueues() {
	if !e.activated.Load() {
		return
	}

	if !e.rateLimiter.IsBlocked() {
		e.processEntropyQueue()
	}

	if q, ok := e.SignaledLeakQueue(); ok {
		e.processLeakQueue(q)
	}
}

// Subscribe registers the device with m. Queue and rate limiter events are
// only registered once the device is activated.
func (e *Entropy) Subscribe(m *event.Manager) error {
	if e.activated.Load() {
		return e.registerRuntimeEvents(m)
	}

	return m.Add(e.activateEvent.FD(), func() {
		e.processActivateEvent(m)
	})
}

func (e *Entropy) processActivateEvent(m *event.Manager) {
	if _, err := e.activateEvent.Read(); err != nil {
		e.log.WithError(err).Error("failed to consume activate event")
		e.metrics.ActivateFails.Inc(1)

		return
	}

	if err := m.Remove(e.activateEvent.FD()); err != nil {
		e.log.WithError(err).Error("failed to unregister activate event")
	}

	if err := e.registerRuntimeEvents(m); err != nil {
		e.log.WithError(err).Error("failed to register device events")
		e.metrics.ActivateFails.Inc(1)

		return
	}

	// requests queued before the handlers existed.
	e.ProcessVirtioQueues()
}

func (e *Entropy) registerRuntimeEvents(m *event.Manager) error {
	if err := m.Add(e.queueEvents[rngQueue].FD(), e.ProcessMainQueueEvent); err != nil {
		return err
	}

	for _, q := range []LeakQueue{LeakQueue1, LeakQueue2} {
		if err := m.Add(e.queueEvents[q.Index()].FD(), func() { e.ProcessLeakQueueEvent(q) }); err != nil {
			return err
		}
	}

	return m.Add(e.rateLimiter.FD(), e.ProcessRateLimiterEvent)
}

// Close releases the device's file descriptors and its rate limiter.
func (e *Entropy) Close() error {
	var errs []error

	for _, fd := range e.queueEvents {
		if fd != nil {
			errs = append(errs, fd.Close())
		}
	}

	if e.activateEvent != nil {
		errs = append(errs, e.activateEvent.Close())
	}

	if e.irq != nil {
		errs = append(errs, e.irq.Close())
	}

	if e.rateLimiter != nil {
		errs = append(errs, e.rateLimiter.Close())
	}

	return errors.Join(errs...)
}
