package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/trafficmap/internal/httputil"
	"github.com/breeze-rmm/trafficmap/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance's HTTP view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.ListenAddr == "" {
			return fmt.Errorf("listen_addr is empty; the HTTP view is disabled")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var st server.StatusResponse
		client := &http.Client{Timeout: 5 * time.Second}
		url := "http://" + cfg.ListenAddr + "/api/status"
		if err := httputil.GetJSON(ctx, client, url, &st, httputil.DefaultRetryConfig()); err != nil {
			return fmt.Errorf("query %s: %w", url, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Health: %s\n", st.Health)
		if st.Link != nil {
			fmt.Fprintf(out, "Stream: %s (%s)\n", st.Link.Status, st.Link.URL)
		}
		fmt.Fprintf(out, "Records: %d (version %d)\n", st.Records, st.Version)
		fmt.Fprintf(out, "Drawn: %d\n", st.Stats.Drawn)
		fmt.Fprintf(out, "Frames: %d (%d decode errors)\n", st.Stats.Frames, st.Stats.DecodeErrors)

		names := make([]string, 0, len(st.Components))
		for name := range st.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-8s %s\n", name, st.Components[name])
		}
		return nil
	},
}
