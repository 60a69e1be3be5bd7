// Package conditions reports whether the host currently satisfies the
// preconditions of periodic jobs: running on external power and idle.
package conditions

import (
	"context"
	"io/fs"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
)

// Config holds the thresholds used to decide whether the host is idle
type Config struct {
	PowerSupplyPath   string        // sysfs power_supply class directory
	IdleCPUThreshold  float64       // percent; busier than this is not idle
	IdleLoadThreshold float64       // 1 minute load average per CPU
	IdleSampleWindow  time.Duration // how long CPU utilisation is sampled
}

// DefaultConfig returns thresholds suited to a small always-on device
func DefaultConfig() Config {
	return Config{
		PowerSupplyPath:   "/sys/class/power_supply",
		IdleCPUThreshold:  10,
		IdleLoadThreshold: 0.5,
		IdleSampleWindow:  time.Second,
	}
}

// Probes are the raw host readings. Tests replace them.
type Probes struct {
	PowerSupplies fs.FS
	CPUPercent    func(ctx context.Context, window time.Duration) (float64, error)
	LoadPerCPU    func(ctx context.Context) (float64, error)
}

// SystemChecker implements jobs.ConditionChecker against the local host
type SystemChecker struct {
	cfg    Config
	probes Probes
	logger *logger.Logger
}

var _ jobs.ConditionChecker = (*SystemChecker)(nil)

// NewSystemChecker creates a checker that reads sysfs and gopsutil
func NewSystemChecker(cfg Config) *SystemChecker {
	defaults := DefaultConfig()
	if cfg.PowerSupplyPath == "" {
		cfg.PowerSupplyPath = defaults.PowerSupplyPath
	}
	if cfg.IdleSampleWindow <= 0 {
		cfg.IdleSampleWindow = defaults.IdleSampleWindow
	}
	return NewSystemCheckerWithProbes(cfg, Probes{
		PowerSupplies: os.DirFS(cfg.PowerSupplyPath),
		CPUPercent:    cpuPercent,
		LoadPerCPU:    loadPerCPU,
	})
}

// NewSystemCheckerWithProbes creates a checker over custom probes
func NewSystemCheckerWithProbes(cfg Config, probes Probes) *SystemChecker {
	return &SystemChecker{
		cfg:    cfg,
		probes: probes,
		logger: logger.New("conditions"),
	}
}

// Satisfied reports whether p currently holds
func (c *SystemChecker) Satisfied(ctx context.Context, p jobs.Precondition) (bool, error) {
	var (
		ok  bool
		err error
	)
	switch p {
	case jobs.RequiresCharging:
		ok, err = c.Charging()
	case jobs.RequiresIdle:
		ok, err = c.Idle(ctx)
	default:
		return false, errors.Newf("unsupported precondition %s", p)
	}

	c.logger.Debug().
		Str("action", "condition_check").
		Str("precondition", p.String()).
		Bool("satisfied", ok).
		Err(err).
		Msg("Evaluated precondition")
	return ok, err
}

// Idle reports whether CPU utilisation and load are below the configured thresholds
func (c *SystemChecker) Idle(ctx context.Context) (bool, error) {
	busy, err := c.probes.CPUPercent(ctx, c.cfg.IdleSampleWindow)
	if err != nil {
		return false, errors.Wrap(err, "sample cpu utilisation")
	}
	if busy > c.cfg.IdleCPUThreshold {
		return false, nil
	}

	perCPU, err := c.probes.LoadPerCPU(ctx)
	if err != nil {
		return false, errors.Wrap(err, "read load average")
	}
	return perCPU <= c.cfg.IdleLoadThreshold, nil
}

func cpuPercent(ctx context.Context, window time.Duration) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return values[0], nil
}

func loadPerCPU(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = 1
	}
	return avg.Load1 / float64(cores), nil
}
