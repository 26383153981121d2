package main

import (
	"context"
	"fmt"
	"time"

	"github.com/breeze-rmm/trafficmap/internal/config"
	"github.com/breeze-rmm/trafficmap/internal/decode"
	"github.com/breeze-rmm/trafficmap/internal/engine"
	"github.com/breeze-rmm/trafficmap/internal/geoip"
	"github.com/breeze-rmm/trafficmap/internal/health"
	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/maphost"
	"github.com/breeze-rmm/trafficmap/internal/model"
	"github.com/breeze-rmm/trafficmap/internal/overlay"
	"github.com/breeze-rmm/trafficmap/internal/server"
	"github.com/breeze-rmm/trafficmap/internal/stream"
)

// pipeline holds the components shared by the live and replay commands. The
// map host is created here and closed by Close.
type pipeline struct {
	cfg     *config.Config
	locator *geoip.Locator
	host    *maphost.GeoJSONHost
	monitor *health.Monitor
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{
		cfg:     cfg,
		host:    maphost.NewGeoJSONHost(),
		monitor: health.NewMonitor(),
	}
	if cfg.GeoIPDB != "" {
		loc, err := geoip.Open(cfg.GeoIPDB)
		if err != nil {
			return nil, err
		}
		p.locator = loc
	}
	return p, nil
}

func (p *pipeline) engine(opts ...engine.Option) *engine.Engine {
	var decOpts []decode.Option
	if p.locator != nil {
		decOpts = append(decOpts, decode.WithLocator(p.locator))
	}
	opts = append([]engine.Option{
		engine.WithMonitor(p.monitor),
		engine.WithClearOnShutdown(p.cfg.ClearOnShutdown),
	}, opts...)

	return engine.New(
		decode.New(decOpts...),
		model.NewStore(p.cfg.MaxRecords),
		overlay.NewSynchronizer(p.host),
		opts...,
	)
}

// serve runs the HTTP view in the background when listen_addr is set. The
// returned channel yields the server's exit error once ctx is done.
func (p *pipeline) serve(ctx context.Context, eng *engine.Engine, link server.LinkStatus) <-chan error {
	done := make(chan error, 1)
	if p.cfg.ListenAddr == "" {
		close(done)
		return done
	}
	srv := server.New(eng, p.host, link, p.monitor)
	go func() {
		done <- srv.ListenAndServe(ctx, p.cfg.ListenAddr)
	}()
	return done
}

func (p *pipeline) Close() {
	if p.locator != nil {
		hits, misses := p.locator.Stats()
		log.Debug("geoip lookups", "hits", hits, "misses", misses)
		if err := p.locator.Close(); err != nil {
			log.Warn("close geoip database", logging.KeyError, err)
		}
	}
	if err := p.host.Close(); err != nil {
		log.Warn("close map host", logging.KeyError, err)
	}
}

func backoffFor(cfg *config.Config) stream.Backoff {
	if cfg.ReconnectBackoff == config.BackoffExponential {
		return stream.NewExponentialBackoff(cfg.RetryDelay(), cfg.MaxRetryDelay())
	}
	return stream.FixedBackoff(cfg.RetryDelay())
}

func formatStats(st engine.Stats, elapsed time.Duration) string {
	return fmt.Sprintf("frames=%d records=%d drawn=%d decode_errors=%d skipped=%d elapsed=%s",
		st.Frames, st.Records, st.Drawn, st.DecodeErrors, st.Skipped, elapsed.Round(time.Millisecond))
}
