// Command mr-worker runs a single MapReduce worker against a built-in
// application, discovering the coordinator via its info file. It stands
// in for the out-of-scope dynamic plugin loader (spec §9): instead of
// `mr-worker <plugin_file>`, the application is selected by name from a
// small compiled-in registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mapreduce/internal/mr"
	"mapreduce/internal/mrapp"
	_ "mapreduce/internal/mrapp/wordcount"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		appName        string
		callTimeout    string
		waitRetry      string
		coordinatorTxt string
	)

	cmd := &cobra.Command{
		Use:   "mr-worker",
		Short: "Run a single MapReduce worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, ok := mrapp.Lookup(appName)
			if !ok {
				names := mrapp.Names()
				sort.Strings(names)
				return fmt.Errorf("unknown application %q, available: %s", appName, strings.Join(names, ", "))
			}

			cfg := mr.LoadConfig()
			if coordinatorTxt != "" {
				cfg.CoordinatorInfoPath = coordinatorTxt
			}
			if callTimeout != "" {
				d, err := time.ParseDuration(callTimeout)
				if err != nil {
					return fmt.Errorf("invalid --call-timeout: %w", err)
				}
				cfg.CallTimeout = d
			}
			if waitRetry != "" {
				d, err := time.ParseDuration(waitRetry)
				if err != nil {
					return fmt.Errorf("invalid --wait-sleep: %w", err)
				}
				cfg.WaitRetry = d
			}

			log := logrus.NewEntry(logrus.StandardLogger())

			w, err := mr.NewWorker(app, cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&appName, "app", "wordcount", "built-in application to run")
	cmd.Flags().StringVar(&callTimeout, "call-timeout", "", "per-RPC timeout (e.g. 5s)")
	cmd.Flags().StringVar(&waitRetry, "wait-sleep", "", "sleep between WAIT polls (e.g. 1s)")
	cmd.Flags().StringVar(&coordinatorTxt, "coordinator-info", "", "discovery file path")

	return cmd
}
