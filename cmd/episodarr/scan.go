package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"resty.dev/v3"
)

func newScanCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Ask the running daemon to scan now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = "http://localhost:" + a.cfg.ServerPort
			}
			client := resty.New().SetTimeout(10 * time.Second)
			defer client.Close()

			var body map[string]string
			resp, err := client.R().
				SetContext(cmd.Context()).
				SetResult(&body).
				SetError(&body).
				Post(addr + "/api/scan")
			if err != nil {
				return fmt.Errorf("failed to reach daemon at %s: %w", addr, err)
			}

			switch resp.StatusCode() {
			case http.StatusAccepted:
				fmt.Fprintln(cmd.OutOrStdout(), "Scan queued")
			case http.StatusConflict:
				fmt.Fprintf(cmd.OutOrStdout(), "A scan is already running (%s)\n", body["state"])
			default:
				return fmt.Errorf("unexpected status %d", resp.StatusCode())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon base URL (default http://localhost:$SERVER_PORT)")
	return cmd
}
