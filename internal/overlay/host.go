package overlay

import "github.com/breeze-rmm/trafficmap/internal/model"

// MarkerHandle identifies a marker placed by a MapHost.
type MarkerHandle uint64

// LineHandle identifies a line placed by a MapHost.
type LineHandle uint64

// LineStyle controls how a connection line is drawn.
type LineStyle struct {
	Color   string  `json:"color"`
	Weight  float64 `json:"weight"`
	Opacity float64 `json:"opacity"`
}

// DefaultLineStyle is a thin, half-transparent red line.
var DefaultLineStyle = LineStyle{Color: "red", Weight: 1, Opacity: 0.5}

// MapHost is the rendering substrate that owns the visible primitives.
// Remove calls for unknown or already removed handles are no-ops.
type MapHost interface {
	PlaceMarker(point model.GeoPoint, label string) (MarkerHandle, error)
	RemoveMarker(h MarkerHandle)
	PlaceLine(a, b model.GeoPoint, style LineStyle) (LineHandle, error)
	RemoveLine(h LineHandle)
}
