package flag

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gokvm-rng/probe"
	"github.com/bobuhiro11/gokvm-rng/vmm"
	"github.com/sirupsen/logrus"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm-rng"
	programDesc := "gokvm-rng runs a virtio entropy device on a small pci bus and drives it with a built-in guest driver"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.HostCapabilities(); err != nil {
		return err
	}

	return nil
}

// config merges the configuration file with the command line overrides.
func (r *RunCMD) config() (vmm.Config, error) {
	c := vmm.DefaultConfig()

	if r.Config != "" {
		var err error
		if c, err = vmm.LoadConfig(r.Config); err != nil {
			return c, err
		}
	}

	if r.MemSize != "" {
		c.MemorySize = r.MemSize
	}

	memSize, err := ParseSize(c.MemorySize, "m")
	if err != nil {
		return c, err
	}

	c.MemSize = memSize

	if r.LogLevel != "" {
		c.Logging.Level = r.LogLevel
	}

	if r.StatsListen != "" {
		c.Stats.Listen = r.StatsListen
	}

	if r.Requests >= 0 {
		c.Workload.Requests = r.Requests
	}

	if r.RequestSize != "" {
		size, err := ParseSize(r.RequestSize, "")
		if err != nil {
			return c, err
		}

		c.Workload.RequestSize = uint32(size)
	}

	if r.LeakRequests >= 0 {
		c.Workload.LeakRequests = r.LeakRequests
	}

	if r.LeakInterval != 0 {
		c.RNG.LeakInterval = r.LeakInterval
	}

	if r.Bandwidth != "" {
		bw, err := ParseSize(r.Bandwidth, "")
		if err != nil {
			return c, err
		}

		c.RNG.RateLimiter.Bandwidth.Size = uint64(bw)
		c.RNG.RateLimiter.Bandwidth.RefillTime = r.RefillTime
	}

	if r.Ops != 0 {
		c.RNG.RateLimiter.Ops.Size = r.Ops
		c.RNG.RateLimiter.Ops.RefillTime = r.RefillTime
	}

	return c, nil
}

func (r *RunCMD) Run() error {
	c, err := r.config()
	if err != nil {
		return err
	}

	l := logrus.New()
	if err := vmm.ConfigureLogger(l, c.Logging); err != nil {
		return err
	}

	v := vmm.New(c, l)

	if err := v.Init(); err != nil {
		return err
	}

	defer func() {
		if err := v.Close(); err != nil {
			l.WithError(err).Warn("failed to release the vmm")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return v.Run(ctx)
}
