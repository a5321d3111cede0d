package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CLI is the command line of gokvm-rng.
type CLI struct {
	Probe ProbeCMD `cmd:"" help:"Probe the host for the facilities the device relies on."`
	Run   RunCMD   `cmd:"" help:"Run a virtio-rng device against the built-in guest driver."`
}

type ProbeCMD struct{}

type RunCMD struct {
	Config       string        `short:"c" type:"existingfile" help:"Path of the YAML configuration."`
	MemSize      string        `short:"m" help:"Guest memory size: as number[gGmMkK], optional units, defaults to M."`
	LogLevel     string        `short:"l" help:"Log level, overrides the configuration."`
	StatsListen  string        `help:"Address for the prometheus endpoint, overrides the configuration."`
	Requests     int           `short:"n" default:"-1" help:"Number of main queue requests the guest submits. Negative keeps the configuration."`
	RequestSize  string        `short:"s" help:"Size of each request: as number[gGmMkK], optional units, defaults to bytes."`
	LeakRequests int           `default:"-1" help:"Number of buffers the guest leaves on each leak queue. Negative keeps the configuration."`
	LeakInterval time.Duration `help:"How often the host signals an entropy leak."`
	Bandwidth    string        `help:"Bandwidth bucket size per refill period: as number[gGmMkK]."`
	Ops          uint64        `help:"Ops bucket size per refill period."`
	RefillTime   time.Duration `default:"1s" help:"Refill period of the bandwidth and ops buckets."`
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
