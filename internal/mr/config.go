package mr

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine's tunables. The zero value is not useful; use
// DefaultConfig, which matches every constant named in the spec, then
// override individual fields or load from the environment via
// LoadConfig.
type Config struct {
	// LeaseTimeout is how long a worker may hold an assigned task before
	// the monitor reassigns it.
	LeaseTimeout time.Duration
	// MonitorPeriod is how often the coordinator sweeps for expired
	// leases.
	MonitorPeriod time.Duration
	// CallTimeout bounds a single RPC round trip from the worker side.
	CallTimeout time.Duration
	// WaitRetry is how long a worker sleeps after a WAIT reply before
	// asking again.
	WaitRetry time.Duration
	// CoordinatorInfoPath is the discovery file the coordinator writes
	// and the worker reads.
	CoordinatorInfoPath string
	// MetricsAddr is the listen address for the coordinator's Prometheus
	// endpoint. Empty disables it.
	MetricsAddr string
}

// DefaultConfig returns the spec's hard-coded defaults: a 10s lease, a 1s
// monitor period, a 5s call timeout, and a 1s WAIT retry.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:        10 * time.Second,
		MonitorPeriod:       1 * time.Second,
		CallTimeout:         5 * time.Second,
		WaitRetry:           1 * time.Second,
		CoordinatorInfoPath: "coordinator_info.txt",
		MetricsAddr:         "",
	}
}

// LoadConfig overlays environment variables (MR_LEASE_TIMEOUT,
// MR_MONITOR_PERIOD, MR_CALL_TIMEOUT, MR_WAIT_RETRY,
// MR_COORDINATOR_INFO, MR_METRICS_ADDR) onto DefaultConfig using viper, so
// operators can retune the engine without recompiling it.
func LoadConfig() Config {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("MR")
	v.AutomaticEnv()

	v.SetDefault("lease_timeout", cfg.LeaseTimeout)
	v.SetDefault("monitor_period", cfg.MonitorPeriod)
	v.SetDefault("call_timeout", cfg.CallTimeout)
	v.SetDefault("wait_retry", cfg.WaitRetry)
	v.SetDefault("coordinator_info", cfg.CoordinatorInfoPath)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)

	cfg.LeaseTimeout = v.GetDuration("lease_timeout")
	cfg.MonitorPeriod = v.GetDuration("monitor_period")
	cfg.CallTimeout = v.GetDuration("call_timeout")
	cfg.WaitRetry = v.GetDuration("wait_retry")
	cfg.CoordinatorInfoPath = v.GetString("coordinator_info")
	cfg.MetricsAddr = v.GetString("metrics_addr")

	return cfg
}
