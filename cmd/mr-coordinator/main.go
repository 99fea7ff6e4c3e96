// Command mr-coordinator runs a MapReduce coordinator over a set of input
// files and blocks until the job is done.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mapreduce/internal/mr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nReduce        int
		leaseTimeout   string
		monitorPeriod  string
		metricsAddr    string
		coordinatorTxt string
	)

	cmd := &cobra.Command{
		Use:   "mr-coordinator <input_files...>",
		Short: "Run the MapReduce coordinator over a set of input files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range args {
				if _, err := os.Stat(f); err != nil {
					return fmt.Errorf("input file not found: %s", f)
				}
			}

			cfg := mr.LoadConfig()
			if coordinatorTxt != "" {
				cfg.CoordinatorInfoPath = coordinatorTxt
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if leaseTimeout != "" {
				d, err := time.ParseDuration(leaseTimeout)
				if err != nil {
					return fmt.Errorf("invalid --lease-timeout: %w", err)
				}
				cfg.LeaseTimeout = d
			}
			if monitorPeriod != "" {
				d, err := time.ParseDuration(monitorPeriod)
				if err != nil {
					return fmt.Errorf("invalid --monitor-period: %w", err)
				}
				cfg.MonitorPeriod = d
			}

			log := logrus.NewEntry(logrus.StandardLogger())

			c, err := mr.NewCoordinator(args, nReduce, cfg, log)
			if err != nil {
				return err
			}
			if err := c.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = c.Wait(ctx)
			c.Stop()
			if err != nil {
				return err
			}
			fmt.Println("MapReduce job completed successfully")
			return nil
		},
	}

	cmd.Flags().IntVar(&nReduce, "n-reduce", 0, "number of reduce tasks (required)")
	_ = cmd.MarkFlagRequired("n-reduce")
	cmd.Flags().StringVar(&leaseTimeout, "lease-timeout", "", "worker lease timeout (e.g. 10s)")
	cmd.Flags().StringVar(&monitorPeriod, "monitor-period", "", "lease-expiry sweep period (e.g. 1s)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables it)")
	cmd.Flags().StringVar(&coordinatorTxt, "coordinator-info", "", "discovery file path")

	return cmd
}
