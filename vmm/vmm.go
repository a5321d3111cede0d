package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokvm-rng/event"
	"github.com/bobuhiro11/gokvm-rng/memory"
	"github.com/bobuhiro11/gokvm-rng/pci"
	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/bobuhiro11/gokvm-rng/virtio"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const rngIRQ = 10

var (
	ErrNotInitialized = errors.New("vmm is not initialized")
	errWorkloadConfig = errors.New("invalid workload configuration")
)

// VMM hosts one virtio-rng device on a pci bus together with the event loop
// that serves it.
type VMM struct {
	Config

	l        *logrus.Logger
	registry metrics.Registry

	mem       *memory.Memory
	dev       *virtio.Entropy
	transport *virtio.Transport
	bus       *pci.PCI
	events    *event.Manager
	leakTimer *event.Timer

	result WorkloadResult
}

func New(c Config, l *logrus.Logger) *VMM {
	if l == nil {
		l = logrus.StandardLogger()
	}

	return &VMM{
		Config:   c,
		l:        l,
		registry: metrics.NewRegistry(),
	}
}

func (v *VMM) validate() error {
	w := v.Workload

	if w.Requests < 0 || w.LeakRequests < 0 {
		return fmt.Errorf("%w: negative request count", errWorkloadConfig)
	}

	if (w.Requests > 0 || w.LeakRequests > 0) && (w.RequestSize == 0 || w.RequestSize > maxRequestSize) {
		return fmt.Errorf("%w: request_size must be in (0, %d]", errWorkloadConfig, maxRequestSize)
	}

	if w.LeakRequests > virtio.QueueSize {
		return fmt.Errorf("%w: leak_requests exceeds the queue size %d", errWorkloadConfig, virtio.QueueSize)
	}

	if w.LeakRequests > 0 && v.RNG.LeakInterval <= 0 {
		return fmt.Errorf("%w: leak_requests needs a leak_interval", errWorkloadConfig)
	}

	if v.MemSize < guestMemoryMin {
		return fmt.Errorf("memory size %#x is below the minimum %#x", v.MemSize, guestMemoryMin)
	}

	return nil
}

// Init builds guest memory, the device and its transport, and the event
// loop.
func (v *VMM) Init() error {
	if err := v.validate(); err != nil {
		return err
	}

	mem, err := memory.New(v.MemSize)
	if err != nil {
		return err
	}

	v.mem = mem

	rl, err := ratelimiter.New(v.RNG.RateLimiter)
	if err != nil {
		return errors.Join(err, v.Close())
	}

	dev, err := virtio.NewEntropy(rl,
		virtio.WithLogger(v.l),
		virtio.WithMetricsRegistry(v.registry),
		virtio.WithIRQLine(rngIRQ))
	if err != nil {
		return errors.Join(err, rl.Close(), v.Close())
	}

	v.dev = dev
	v.transport = virtio.NewTransport(dev, mem, virtio.RNGIOPortStart)
	v.bus = pci.New(v.l, v.transport)

	if v.events, err = event.NewManager(v.l); err != nil {
		return errors.Join(err, v.Close())
	}

	if err := dev.Subscribe(v.events); err != nil {
		return errors.Join(err, v.Close())
	}

	if v.RNG.LeakInterval > 0 {
		if v.leakTimer, err = event.NewTimer(); err != nil {
			return errors.Join(err, v.Close())
		}

		if err := v.events.Add(v.leakTimer.FD(), v.onLeakTimer); err != nil {
			return errors.Join(err, v.Close())
		}

		if err := v.leakTimer.Arm(v.RNG.LeakInterval, true); err != nil {
			return errors.Join(err, v.Close())
		}
	}

	v.l.WithField("memory", v.MemSize).
		WithField("port", fmt.Sprintf("%#x", virtio.RNGIOPortStart)).
		Info("virtio-rng device ready")

	return nil
}

func (v *VMM) onLeakTimer() {
	if _, err := v.leakTimer.Read(); err != nil {
		v.l.WithError(err).Warn("failed to read leak timer")

		return
	}

	if err := v.dev.SignalEntropyLeak(); err != nil {
		if errors.Is(err, virtio.ErrNotActivated) {
			return
		}

		v.l.WithError(err).Error("failed to signal entropy leak")
	}
}

func (v *VMM) workloadEnabled() bool {
	return v.Workload.Requests > 0 || v.Workload.LeakRequests > 0
}

// Run serves the device until ctx is done or, when a workload is
// configured, until the guest driver finished it.
func (v *VMM) Run(ctx context.Context) error {
	if v.events == nil {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return v.events.Run(ctx)
	})

	if v.Stats.Listen != "" {
		s, err := newPrometheusStats(v.l, v.Stats, v.registry)
		if err != nil {
			cancel()

			return errors.Join(err, g.Wait())
		}

		g.Go(func() error {
			return s.run(ctx)
		})
	}

	if v.workloadEnabled() {
		g.Go(func() error {
			defer cancel()

			res, err := newGuest(v.bus, v.mem, v.dev.IRQ(), v.Workload, v.l).run(ctx)
			v.result = res

			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Result returns what the last workload observed. It is only meaningful
// after Run returned.
func (v *VMM) Result() WorkloadResult {
	return v.result
}

func (v *VMM) Device() *virtio.Entropy {
	return v.dev
}

func (v *VMM) Registry() metrics.Registry {
	return v.registry
}

func (v *VMM) Close() error {
	var errs []error

	if v.leakTimer != nil {
		errs = append(errs, v.leakTimer.Close())
		v.leakTimer = nil
	}

	if v.events != nil {
		errs = append(errs, v.events.Close())
		v.events = nil
	}

	if v.dev != nil {
		errs = append(errs, v.dev.Close())
		v.dev = nil
	}

	if v.mem != nil {
		errs = append(errs, v.mem.Close())
		v.mem = nil
	}

	return errors.Join(errs...)
}
