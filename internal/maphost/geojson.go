package maphost

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	geojson "github.com/paulmach/go.geojson"

	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
	"github.com/breeze-rmm/trafficmap/internal/overlay"
)

var log = logging.L("maphost")

var (
	ErrInvalidPoint = errors.New("point outside coordinate range")
	ErrClosed       = errors.New("map host closed")
)

// GeoJSONHost keeps the placed primitives as GeoJSON features so a browser
// map (or any GeoJSON consumer) can render them. Placement and removal come
// from the overlay synchronizer; readers may call FeatureCollection concurrently.
type GeoJSONHost struct {
	mu       sync.RWMutex
	next     uint64
	revision uint64
	closed   bool
	markers  map[overlay.MarkerHandle]*geojson.Feature
	lines    map[overlay.LineHandle]*geojson.Feature
}

var _ overlay.MapHost = (*GeoJSONHost)(nil)

// NewGeoJSONHost creates an empty host.
func NewGeoJSONHost() *GeoJSONHost {
	return &GeoJSONHost{
		markers: make(map[overlay.MarkerHandle]*geojson.Feature),
		lines:   make(map[overlay.LineHandle]*geojson.Feature),
	}
}

// PlaceMarker implements overlay.MapHost.
func (h *GeoJSONHost) PlaceMarker(p model.GeoPoint, label string) (overlay.MarkerHandle, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("marker at %s: %w", p, ErrInvalidPoint)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}

	h.next++
	handle := overlay.MarkerHandle(h.next)

	f := geojson.NewPointFeature([]float64{p.Longitude, p.Latitude})
	f.ID = h.next
	f.SetProperty("kind", "marker")
	f.SetProperty("label", label)
	if p.Country != "" {
		f.SetProperty("country", p.Country)
	}
	if p.City != "" {
		f.SetProperty("city", p.City)
	}

	h.markers[handle] = f
	h.revision++
	return handle, nil
}

// RemoveMarker implements overlay.MapHost.
func (h *GeoJSONHost) RemoveMarker(handle overlay.MarkerHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.markers[handle]; !ok {
		return
	}
	delete(h.markers, handle)
	h.revision++
}

// PlaceLine implements overlay.MapHost.
func (h *GeoJSONHost) PlaceLine(a, b model.GeoPoint, style overlay.LineStyle) (overlay.LineHandle, error) {
	if !a.Valid() || !b.Valid() {
		return 0, fmt.Errorf("line %s -> %s: %w", a, b, ErrInvalidPoint)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}

	h.next++
	handle := overlay.LineHandle(h.next)

	f := geojson.NewLineStringFeature([][]float64{
		{a.Longitude, a.Latitude},
		{b.Longitude, b.Latitude},
	})
	f.ID = h.next
	f.SetProperty("kind", "line")
	f.SetProperty("color", style.Color)
	f.SetProperty("weight", style.Weight)
	f.SetProperty("opacity", style.Opacity)

	h.lines[handle] = f
	h.revision++
	return handle, nil
}

// RemoveLine implements overlay.MapHost.
func (h *GeoJSONHost) RemoveLine(handle overlay.LineHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.lines[handle]; !ok {
		return
	}
	delete(h.lines, handle)
	h.revision++
}

// FeatureCollection returns the current primitives, lines first, each group
// in placement order.
func (h *GeoJSONHost) FeatureCollection() (*geojson.FeatureCollection, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	fc := geojson.NewFeatureCollection()
	for _, id := range sortedKeys(h.lines) {
		fc.AddFeature(h.lines[overlay.LineHandle(id)])
	}
	for _, id := range sortedKeys(h.markers) {
		fc.AddFeature(h.markers[overlay.MarkerHandle(id)])
	}
	return fc, h.revision
}

// Counts returns the number of live markers and lines.
func (h *GeoJSONHost) Counts() (markers, lines int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.markers), len(h.lines)
}

// Close drops every primitive and refuses further placements.
// Removal stays valid, so late teardown from the synchronizer is harmless.
func (h *GeoJSONHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	log.Info("map host closed", "markers", len(h.markers), "lines", len(h.lines))
	clear(h.markers)
	clear(h.lines)
	h.revision++
	return nil
}

func sortedKeys[K ~uint64, V any](m map[K]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, uint64(k))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
