package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/replay"
)

var (
	replayLimit int
	replayServe bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "Feed IPv4 TCP/UDP packets from a capture file through the map pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd, args[0])
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "stop after this many packets (0 = all)")
	replayCmd.Flags().BoolVar(&replayServe, "serve", false, "keep serving the HTTP view after the capture is replayed")
}

func runReplay(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signalContext()
	defer stop()

	// Replay drives the engine directly; nothing else calls Process.
	eng := p.engine()
	start := time.Now()
	st, err := replay.NewPlayer(replay.WithLimit(replayLimit)).PlayFile(ctx, path, eng.Process)
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}

	markers, lines := p.host.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d packets (%d skipped)\n", st.Frames, st.Packets, st.Skipped)
	fmt.Fprintln(cmd.OutOrStdout(), formatStats(eng.Stats(), time.Since(start)))
	log.Debug("overlay after replay", "markers", markers, "lines", lines)

	if !replayServe || cfg.ListenAddr == "" {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "serving map on http://%s (Ctrl-C to stop)\n", cfg.ListenAddr)
	if err := <-p.serve(ctx, eng, nil); err != nil {
		log.Error("http view failed", logging.KeyError, err)
		return err
	}
	return nil
}
