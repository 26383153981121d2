// Package engine runs the single pipeline goroutine that turns inbound frames
// into model updates and overlay changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/breeze-rmm/trafficmap/internal/decode"
	"github.com/breeze-rmm/trafficmap/internal/health"
	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
	"github.com/breeze-rmm/trafficmap/internal/overlay"
)

var log = logging.L("engine")

const (
	ComponentDecoder = "decoder"
	ComponentOverlay = "overlay"

	frameQueueSize = 64
)

// Link is the part of stream.Link the engine drives.
type Link interface {
	Open()
	Close()
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Frames       uint64 `json:"frames" msgpack:"frames"`
	DecodeErrors uint64 `json:"decodeErrors" msgpack:"decodeErrors"`
	Controls     uint64 `json:"controls" msgpack:"controls"`
	Records      uint64 `json:"records" msgpack:"records"`
	FullStates   uint64 `json:"fullStates" msgpack:"fullStates"`
	Drawn        uint64 `json:"drawn" msgpack:"drawn"`
	Created      uint64 `json:"created" msgpack:"created"`
	Destroyed    uint64 `json:"destroyed" msgpack:"destroyed"`
	Skipped      uint64 `json:"skipped" msgpack:"skipped"`
}

type counters struct {
	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	controls     atomic.Uint64
	records      atomic.Uint64
	fullStates   atomic.Uint64
	drawn        atomic.Uint64
	created      atomic.Uint64
	destroyed    atomic.Uint64
	skipped      atomic.Uint64
}

// Engine owns the Store and the Synchronizer. Frames are processed one at a
// time in arrival order; each update is fully reconciled before the next
// frame is decoded.
type Engine struct {
	decoder *decode.Decoder
	store   *model.Store
	sync    *overlay.Synchronizer
	link    Link
	monitor *health.Monitor

	clearOnShutdown bool

	frames   chan []byte
	done     chan struct{}
	stopping atomic.Bool
	latest   atomic.Pointer[model.Snapshot]
	stats    counters
}

type Option func(*Engine)

// WithLink makes Run open l on start and close it on shutdown.
func WithLink(l Link) Option {
	return func(e *Engine) { e.link = l }
}

// WithMonitor reports decoder and overlay health to m.
func WithMonitor(m *health.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithClearOnShutdown removes every drawn primitive when Run returns.
func WithClearOnShutdown(v bool) Option {
	return func(e *Engine) { e.clearOnShutdown = v }
}

func New(dec *decode.Decoder, store *model.Store, sync *overlay.Synchronizer, opts ...Option) *Engine {
	e := &Engine{
		decoder: dec,
		store:   store,
		sync:    sync,
		frames:  make(chan []byte, frameQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	snap := store.Snapshot()
	e.latest.Store(&snap)
	return e
}

// Submit queues a frame for Run. It blocks while the queue is full, which
// holds back the link's reader, and returns false once the engine stopped.
func (e *Engine) Submit(frame []byte) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.frames <- frame:
		return true
	case <-e.done:
		return false
	}
}

// HandleFrame adapts Submit to stream.FrameHandler.
func (e *Engine) HandleFrame(frame []byte) { e.Submit(frame) }

// Stopping reports whether Run has begun shutting down. It never blocks and
// is safe to call from a link state listener.
func (e *Engine) Stopping() bool { return e.stopping.Load() }

// Run opens the link and processes frames until ctx is cancelled. On return
// the link is closed and, if configured, the overlay is cleared.
func (e *Engine) Run(ctx context.Context) error {
	if e.link != nil {
		e.link.Open()
	}
	log.Info("engine started", "maxRecords", e.store.Cap())

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case frame := <-e.frames:
			e.Process(frame)
		}
	}
}

func (e *Engine) shutdown() {
	e.stopping.Store(true)
	if e.link != nil {
		e.link.Close()
	}
	close(e.done)

	if e.clearOnShutdown {
		n := e.sync.Clear()
		e.stats.destroyed.Add(uint64(n))
		e.stats.drawn.Store(0)
		log.Info("overlay cleared", "removed", n)
	}
	log.Info("engine stopped", "frames", e.stats.frames.Load())
}

// Process decodes and applies a single frame. It must only be called from
// one goroutine at a time: Run, or a caller driving the engine without Run.
func (e *Engine) Process(frame []byte) {
	e.stats.frames.Add(1)

	ev, err := e.decoder.Decode(frame)
	if err != nil {
		e.stats.decodeErrors.Add(1)
		var de *decode.DecodeError
		if errors.As(err, &de) {
			log.Warn("frame dropped", "reason", de.Reason, "frame", de.Frame, logging.KeyError, de.Err)
		} else {
			log.Warn("frame dropped", logging.KeyError, err)
		}
		e.report(ComponentDecoder, health.Degraded, fmt.Sprintf("dropped malformed frame: %v", err))
		return
	}
	e.report(ComponentDecoder, health.Healthy, "")

	var u model.Update
	switch ev := ev.(type) {
	case decode.ControlMessage:
		e.stats.controls.Add(1)
		log.Debug("control message", "type", ev.Type)
		return
	case decode.PlottableConnection:
		u = e.store.Append(ev.Record)
		e.stats.records.Add(1)
	case decode.RawPacket:
		u = e.store.Append(ev.Record)
		e.stats.records.Add(1)
	case decode.FullState:
		if ev.Skipped > 0 {
			log.Warn("full state had undecodable elements", "skipped", ev.Skipped, "kept", len(ev.Records))
		}
		u = e.store.ReplaceAll(ev.Records)
		e.stats.fullStates.Add(1)
		e.stats.records.Add(uint64(len(ev.Records)))
	default:
		log.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
		return
	}

	e.apply(u)
}

func (e *Engine) apply(u model.Update) {
	snap := u.Snapshot
	e.latest.Store(&snap)

	res := e.sync.Apply(u)
	e.stats.created.Add(uint64(res.Created))
	e.stats.destroyed.Add(uint64(res.Destroyed))
	e.stats.skipped.Add(uint64(res.Skipped))
	e.stats.drawn.Store(uint64(e.sync.Len()))

	if res.Skipped > 0 {
		e.report(ComponentOverlay, health.Degraded, fmt.Sprintf("%d records could not be drawn", res.Skipped))
	} else {
		e.report(ComponentOverlay, health.Healthy, "")
	}
}

func (e *Engine) report(component string, status health.Status, msg string) {
	if e.monitor != nil {
		e.monitor.Update(component, status, msg)
	}
}

// Snapshot returns the model state after the most recent update.
func (e *Engine) Snapshot() model.Snapshot {
	return *e.latest.Load()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Frames:       e.stats.frames.Load(),
		DecodeErrors: e.stats.decodeErrors.Load(),
		Controls:     e.stats.controls.Load(),
		Records:      e.stats.records.Load(),
		FullStates:   e.stats.fullStates.Load(),
		Drawn:        e.stats.drawn.Load(),
		Created:      e.stats.created.Load(),
		Destroyed:    e.stats.destroyed.Load(),
		Skipped:      e.stats.skipped.Load(),
	}
}
