package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/audit"
)

func newLogsCmd() *cobra.Command {
	var (
		file   string
		tail   int
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print entries from the request audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				file = cfg.Audit.File
			}

			entries, err := audit.ReadFile(file, audit.Filter{Status: audit.Status(status), Tail: tail})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				if asJSON {
					line, _ := json.Marshal(e)
					fmt.Fprintln(out, string(line))
					continue
				}
				fmt.Fprintf(out, "%s  %-15s  %-26s  %-24s  %s\n",
					time.Unix(e.TS, 0).UTC().Format(time.RFC3339), e.IP, e.RequestID, e.Status, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Audit file (defaults to audit.file from config)")
	cmd.Flags().IntVar(&tail, "tail", 0, "Number of entries to show from the end")
	cmd.Flags().StringVar(&status, "status", "", "Only show entries with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON lines")

	return cmd
}
