package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/chat"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/runtime"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/worker"
)

func newInvokeCmd() *cobra.Command {
	var (
		message     string
		contextFile string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run the worker once and print the response",
		Long:  "One-shot invocation: validate the message, run the worker, print the JSON body the relay would return. No rate limiting or audit logging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			body := map[string]any{"message": message}
			if contextFile != "" {
				data, err := os.ReadFile(contextFile)
				if err != nil {
					return fmt.Errorf("reading context file: %w", err)
				}
				body["context"] = json.RawMessage(data)
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			req, verr := chat.Validate(raw)
			if verr != nil {
				return verr
			}

			logging, err := runtime.NewLogging(os.Stderr, cfg.Log.Level)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			apiKey, err := secrets.NewMux().Resolve(ctx, cfg.Worker.APIKeyRef)
			if err != nil {
				return fmt.Errorf("credential: %w", err)
			}
			logging.Redactor.AddSecret(apiKey)

			client := worker.NewProcessClient(runtime.WorkerConfig(cfg.Worker), worker.WithLogger(logging.Logger))
			if err := client.Ready(); err != nil {
				return err
			}

			out := client.Invoke(ctx, req, apiKey)
			status, resp := relay.Assemble(out)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("worker %s (HTTP %d)", out.Kind, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "Message to send")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "JSON file holding an array of prior turns")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}
