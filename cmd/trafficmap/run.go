package main

import (
	"fmt"

	"github.com/breeze-rmm/trafficmap/internal/engine"
	"github.com/breeze-rmm/trafficmap/internal/health"
	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/stream"
)

func runLive() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	url, err := stream.BuildURL(cfg.ServerURL, cfg.StreamPath)
	if err != nil {
		return fmt.Errorf("invalid stream address: %w", err)
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signalContext()
	defer stop()

	var eng *engine.Engine
	link := stream.New(url,
		func(frame []byte) { eng.HandleFrame(frame) },
		stream.WithBackoff(backoffFor(cfg)),
		stream.WithStateListener(health.StreamListener(p.monitor, func() bool { return eng.Stopping() })),
	)
	eng = p.engine(engine.WithLink(link))

	log.Info("starting trafficmap",
		"version", version,
		logging.KeyServer, url,
		"maxRecords", cfg.MaxRecords,
		"listen", cfg.ListenAddr,
		"geoip", cfg.GeoIPDB != "",
	)

	served := p.serve(ctx, eng, link)
	runErr := eng.Run(ctx)

	if err := <-served; err != nil {
		log.Error("http view failed", logging.KeyError, err)
	}
	log.Info("shutdown complete", "records", eng.Snapshot().Len())
	return runErr
}
