package virtio

import (
	"errors"

	"github.com/rcrowley/go-metrics"
)

// EntropyMetrics are the counters of one entropy device.
type EntropyMetrics struct {
	ActivateFails              metrics.Counter
	EntropyEventFails          metrics.Counter
	EntropyEventCount          metrics.Counter
	EntropyBytes               metrics.Counter
	HostRNGFails               metrics.Counter
	EntropyRateLimiterThrottle metrics.Counter
	RateLimiterEventCount      metrics.Counter
	LeakEventCount             metrics.Counter
	LeakDeferredCount          metrics.Counter

	MemoryAccessErrors       metrics.Counter
	ChainShapeErrors         metrics.Counter
	ResourceExhaustionErrors metrics.Counter
	DeviceIOErrors           metrics.Counter
}

// NewEntropyMetrics registers the counters under "entropy." in r, or in the
// default registry if r is nil.
func NewEntropyMetrics(r metrics.Registry) *EntropyMetrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}

	r = metrics.NewPrefixedChildRegistry(r, "entropy.")

	return &EntropyMetrics{
		ActivateFails:              metrics.GetOrRegisterCounter("activate_fails", r),
		EntropyEventFails:          metrics.GetOrRegisterCounter("entropy_event_fails", r),
		EntropyEventCount:          metrics.GetOrRegisterCounter("entropy_event_count", r),
		EntropyBytes:               metrics.GetOrRegisterCounter("entropy_bytes", r),
		HostRNGFails:               metrics.GetOrRegisterCounter("host_rng_fails", r),
		EntropyRateLimiterThrottle: metrics.GetOrRegisterCounter("entropy_rate_limiter_throttled", r),
		RateLimiterEventCount:      metrics.GetOrRegisterCounter("rate_limiter_event_count", r),
		LeakEventCount:             metrics.GetOrRegisterCounter("leak_event_count", r),
		LeakDeferredCount:          metrics.GetOrRegisterCounter("leak_deferred_count", r),

		MemoryAccessErrors:       metrics.GetOrRegisterCounter("errors.memory_access", r),
		ChainShapeErrors:         metrics.GetOrRegisterCounter("errors.chain_shape", r),
		ResourceExhaustionErrors: metrics.GetOrRegisterCounter("errors.resource_exhaustion", r),
		DeviceIOErrors:           metrics.GetOrRegisterCounter("errors.device_io", r),
	}
}

// countError bumps the counter of the class err belongs to.
func (m *EntropyMetrics) countError(err error) {
	switch {
	case errors.Is(err, ErrGuestMemory):
		m.MemoryAccessErrors.Inc(1)
	case errors.Is(err, ErrDescriptorChain),
		errors.Is(err, ErrReadOnlyDescriptor),
		errors.Is(err, ErrWriteOnlyDescriptor),
		errors.Is(err, ErrBufferSizeMismatch):
		m.ChainShapeErrors.Inc(1)
	case errors.Is(err, ErrUsedRingFull), errors.Is(err, ErrDescIndexOutOfBounds):
		m.ResourceExhaustionErrors.Inc(1)
	case errors.Is(err, ErrHostEntropy):
		m.DeviceIOErrors.Inc(1)
		m.HostRNGFails.Inc(1)
	}
}
