// Package server exposes a read-only HTTP view of the live map state.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	geojson "github.com/paulmach/go.geojson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/breeze-rmm/trafficmap/internal/engine"
	"github.com/breeze-rmm/trafficmap/internal/health"
	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
	"github.com/breeze-rmm/trafficmap/internal/stream"
)

var log = logging.L("server")

const (
	shutdownTimeout = 5 * time.Second
	mimeMsgpack     = "application/msgpack"
	mimeGeoJSON     = "application/geo+json"
	revisionHeader  = "X-Overlay-Revision"
)

// Pipeline is the read side of the engine.
type Pipeline interface {
	Snapshot() model.Snapshot
	Stats() engine.Stats
}

// Overlay renders the currently drawn primitives.
type Overlay interface {
	FeatureCollection() (*geojson.FeatureCollection, uint64)
}

// LinkStatus reports the stream link's state. Nil in replay mode.
type LinkStatus interface {
	URL() string
	State() stream.State
	ShuttingDown() bool
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Link       *LinkInfo         `json:"link,omitempty"`
	Health     string            `json:"health"`
	Components map[string]string `json:"components"`
	Records    int               `json:"records"`
	Version    uint64            `json:"version"`
	Stats      engine.Stats      `json:"stats"`
}

type LinkInfo struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	ShuttingDown bool   `json:"shuttingDown"`
	// Status is the user-facing indicator text.
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the status, overlay and history endpoints.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	overlay  Overlay
	link     LinkStatus
	monitor  *health.Monitor
}

func New(p Pipeline, o Overlay, link LinkStatus, m *health.Monitor) *Server {
	s := &Server{
		echo:     echo.New(),
		pipeline: p,
		overlay:  o,
		link:     link,
		monitor:  m,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize:         4 * 1024,
		DisablePrintStack: true,
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			log.Log(context.Background(), level, "request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				logging.KeyError, v.Error,
			)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/overlay", s.handleOverlay)
	api.GET("/history", s.handleHistory)
	api.GET("/history.msgpack", s.handleHistoryMsgpack)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.echo.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		log.Info("http view listening", "addr", ln.Addr().String())
		errCh <- s.echo.Start("")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.pipeline.Snapshot()
	resp := StatusResponse{
		Health:     string(health.Unknown),
		Components: map[string]string{},
		Records:    snap.Len(),
		Version:    snap.Version,
		Stats:      s.pipeline.Stats(),
	}

	if s.monitor != nil {
		summary := s.monitor.Summary()
		resp.Health, _ = summary["status"].(string)
		if comps, ok := summary["components"].(map[string]string); ok {
			resp.Components = comps
		}
	}

	if s.link != nil {
		state, down := s.link.State(), s.link.ShuttingDown()
		_, msg := health.StreamStatus(state, down)
		if msg == "" {
			msg = "connected"
		}
		resp.Link = &LinkInfo{
			URL:          s.link.URL(),
			State:        state.String(),
			ShuttingDown: down,
			Status:       msg,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOverlay(c echo.Context) error {
	fc, rev := s.overlay.FeatureCollection()
	body, err := fc.MarshalJSON()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to encode overlay"})
	}
	c.Response().Header().Set(revisionHeader, strconv.FormatUint(rev, 10))
	return c.Blob(http.StatusOK, mimeGeoJSON, body)
}

// history applies the optional limit and plottable query parameters.
func (s *Server) history(c echo.Context) (model.Snapshot, error) {
	snap := s.pipeline.Snapshot()
	records := snap.Records

	if c.QueryParam("plottable") == "true" {
		records = snap.Plottable()
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.Snapshot{}, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		if n < len(records) {
			records = records[len(records)-n:]
		}
	}
	return model.Snapshot{Version: snap.Version, Records: records}, nil
}

func (s *Server) handleHistory(c echo.Context) error {
	snap, err := s.history(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleHistoryMsgpack(c echo.Context) error {
	snap, err := s.history(c)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to encode msgpack"})
	}
	return c.Blob(http.StatusOK, mimeMsgpack, data)
}
