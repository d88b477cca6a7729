package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/runtime"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/worker"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and worker prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "config:      ok")

			client := worker.NewProcessClient(runtime.WorkerConfig(cfg.Worker))
			fmt.Fprintf(out, "interpreter: %s\n", client.Interpreter())

			var failed int
			if err := client.Ready(); err != nil {
				fmt.Fprintf(out, "script:      %s (%v)\n", cfg.Worker.Script, err)
				failed++
			} else {
				fmt.Fprintf(out, "script:      %s\n", cfg.Worker.Script)
			}

			if _, err := secrets.NewMux().Resolve(context.Background(), cfg.Worker.APIKeyRef); err != nil {
				fmt.Fprintf(out, "credential:  %s unresolved (%v)\n", cfg.Worker.APIKeyRef, err)
				failed++
			} else {
				fmt.Fprintf(out, "credential:  %s resolves\n", cfg.Worker.APIKeyRef)
			}

			fmt.Fprintf(out, "rate limit:  %d per %s (%s store, fail %s)\n",
				cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.RateLimit.Store, cfg.RateLimit.OnStoreError)

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}
